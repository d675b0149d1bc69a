package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/commitgate/pkg/api"
	"github.com/Mindburn-Labs/commitgate/pkg/auth"
	"github.com/Mindburn-Labs/commitgate/pkg/config"
	"github.com/Mindburn-Labs/commitgate/pkg/crosschain"
	"github.com/Mindburn-Labs/commitgate/pkg/crypto"
	"github.com/Mindburn-Labs/commitgate/pkg/gate"
	"github.com/Mindburn-Labs/commitgate/pkg/merkle"
	"github.com/Mindburn-Labs/commitgate/pkg/nonce"
	"github.com/Mindburn-Labs/commitgate/pkg/service"
)

var fixedNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"commitgate"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func pinClock(t *testing.T) {
	t.Helper()
	prev := now
	now = func() time.Time { return fixedNow }
	t.Cleanup(func() { now = prev })
}

func keyFile(t *testing.T) (string, crypto.Address) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.key")
	code, out, stderr := run(t, "keygen", "--out", path)
	require.Equal(t, 0, code, stderr)
	addr, err := crypto.ParseAddress(strings.TrimSpace(out))
	require.NoError(t, err)
	return path, addr
}

func TestRun_HelpAndUnknown(t *testing.T) {
	code, out, _ := run(t, "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "sign-update")

	code, _, stderr := run(t, "frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Unknown command: frobnicate")

	code, out, _ = run(t, "version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, service.Version)
}

func TestRun_DefaultsToServer(t *testing.T) {
	var got []string
	prev := startServer
	startServer = func(args []string, _, _ io.Writer) int { got = args; return 0 }
	t.Cleanup(func() { startServer = prev })

	code, _, _ := run(t, "--config", "x.yaml")
	assert.Equal(t, 0, code)
	assert.Equal(t, []string{"--config", "x.yaml"}, got)
}

func TestServe_BadConfig(t *testing.T) {
	t.Setenv("CONTROLLER_ADDRESS", "")
	code, _, stderr := run(t, "serve", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Error")
}

func TestKeygenAndAddress(t *testing.T) {
	path, addr := keyFile(t)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	code, out, _ := run(t, "address", "--key-file", path)
	require.Equal(t, 0, code)
	assert.Equal(t, addr.Hex(), strings.TrimSpace(out))

	code, out, _ = run(t, "keygen")
	require.Equal(t, 0, code)
	assert.True(t, strings.HasPrefix(out, "# 0x"))
}

func TestDigest(t *testing.T) {
	agent := crypto.Address{0xaa}
	code, out, _ := run(t, "digest", "--nonce", "0x05", "--agent", agent.Hex())
	require.Equal(t, 0, code)
	assert.Equal(t, nonce.Digest(nonce.Nonce{31: 5}, agent).Hex(), strings.TrimSpace(out))

	code, _, _ = run(t, "digest", "--nonce", "zz", "--agent", agent.Hex())
	assert.Equal(t, 2, code)
}

func TestTree(t *testing.T) {
	code, out, stderr := run(t, "tree", "--proof", "1", "7:0x01", "8:0x01", "9:0x02")
	require.Equal(t, 0, code, stderr)

	var got treeOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.NotNil(t, got.Proof)
	assert.Equal(t, crosschain.Leaf(8, nonce.Nonce{31: 1}), got.Proof.Leaf)
	assert.True(t, merkle.Verify(*got.Proof, got.Root))

	code, _, _ = run(t, "tree", "no-colon")
	assert.Equal(t, 2, code)
}

func TestSignSubmitReveal(t *testing.T) {
	pinClock(t)
	path, agent := keyFile(t)

	cfg := config.Default()
	cfg.Controller = crypto.Address{0xc0}
	cfg.Domain.VerifyingContract = crypto.Address{0xde}
	cfg.URIPolicy.AllowedDomains = []string{"example.com"}
	cfg.Agents = []crypto.Address{agent}
	svc, err := service.New(context.Background(), cfg, service.WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	srv := httptest.NewServer(api.NewServer(svc, nil).Handler())
	t.Cleanup(srv.Close)

	code, signed, stderr := run(t, "sign-update",
		"--key-file", path, "--server", srv.URL,
		"--target", "0x10", "--uri", "https://example.com/16.json", "--nonce", "0x2a")
	require.Equal(t, 0, code, stderr)

	var body api.UpdateBody
	require.NoError(t, json.Unmarshal([]byte(signed), &body))
	assert.Equal(t, nonce.Digest(nonce.Nonce{31: 0x2a}, agent), body.Digest)
	assert.Equal(t, uint64(fixedNow.Add(time.Hour).Unix()), body.Expiry)

	updateFile := filepath.Join(t.TempDir(), "update.json")
	require.NoError(t, os.WriteFile(updateFile, []byte(signed), 0o600))

	code, out, stderr := run(t, "submit", "--server", srv.URL, "--file", updateFile)
	require.Equal(t, 0, code, stderr)
	var receipt gate.UpdateReceipt
	require.NoError(t, json.Unmarshal([]byte(out), &receipt))
	assert.Equal(t, "16", receipt.TargetID)

	code, _, stderr = run(t, "submit", "--server", srv.URL, "--file", updateFile)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "already_consumed")

	code, _, stderr = run(t, "reveal", "--server", srv.URL, "--key-file", path, "--nonce", "0x2a")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "already_consumed")

	code, _, stderr = run(t, "reveal", "--server", srv.URL, "--key-file", path, "--nonce", "0x2b")
	assert.Equal(t, 0, code, stderr)
}

func TestSignUpdate_Validation(t *testing.T) {
	path, _ := keyFile(t)
	base := []string{"sign-update", "--key-file", path, "--contract", crypto.Address{0xde}.Hex(), "--uri", "https://example.com/x"}

	code, _, stderr := run(t, append(base, "--target", "-1", "--nonce", "0x01")...)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "non-negative")

	code, _, _ = run(t, append(base, "--target", "1")...)
	assert.Equal(t, 2, code)

	code, _, _ = run(t, append(base, "--target", "1", "--nonce", "0x01", "--digest", crypto.Hash{1}.Hex())...)
	assert.Equal(t, 2, code)

	code, out, stderr := run(t, append(base, "--target", "1", "--digest", crypto.Hash{1}.Hex())...)
	require.Equal(t, 0, code, stderr)
	var body api.UpdateBody
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.Equal(t, crypto.Hash{1}, body.Digest)
}

func TestToken(t *testing.T) {
	pinClock(t)
	path, addr := keyFile(t)
	contract := crypto.Address{0xde}

	code, out, stderr := run(t, "token", "--key-file", path, "--contract", contract.Hex(), "--chain-id", "5")
	require.Equal(t, 0, code, stderr)

	domain := config.Default().Domain
	domain.ChainID = 5
	domain.VerifyingContract = contract
	v := auth.NewValidator(auth.Audience(domain), auth.DefaultMaxTTL).WithClock(func() time.Time { return fixedNow })
	got, err := v.Validate(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, addr, got)
}
