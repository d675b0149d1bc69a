package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/Mindburn-Labs/commitgate/pkg/api"
	"github.com/Mindburn-Labs/commitgate/pkg/auth"
	"github.com/Mindburn-Labs/commitgate/pkg/client"
	"github.com/Mindburn-Labs/commitgate/pkg/crosschain"
	"github.com/Mindburn-Labs/commitgate/pkg/crypto"
	"github.com/Mindburn-Labs/commitgate/pkg/gate"
	"github.com/Mindburn-Labs/commitgate/pkg/merkle"
	"github.com/Mindburn-Labs/commitgate/pkg/nonce"
	"github.com/Mindburn-Labs/commitgate/pkg/typeddata"
)

// now is a variable so tests can pin token and expiry times.
var now = time.Now

const defaultServer = "http://localhost:8080"

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	cmd := flag.NewFlagSet(name, flag.ContinueOnError)
	cmd.SetOutput(stderr)
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fail(stderr io.Writer, code int, format string, args ...any) int {
	_, _ = fmt.Fprintf(stderr, "Error: "+format+"\n", args...)
	return code
}

// loadSigner reads a key file and picks the key for addr, or the only key
// when addr is empty.
func loadSigner(path, addr string) (crypto.Signer, error) {
	if path == "" {
		return nil, fmt.Errorf("--key-file is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	ring, err := crypto.ReadKeyRing(f)
	if err != nil {
		return nil, err
	}
	if addr != "" {
		a, err := crypto.ParseAddress(addr)
		if err != nil {
			return nil, err
		}
		return ring.Signer(a)
	}
	addrs := ring.Addresses()
	if len(addrs) != 1 {
		return nil, fmt.Errorf("key file holds %d keys; choose one with --address", len(addrs))
	}
	return ring.Signer(addrs[0])
}

// domainFlags resolves the signing domain from flags or a running node.
type domainFlags struct {
	server   string
	name     string
	version  string
	chainID  uint64
	contract string
}

func (d *domainFlags) register(cmd *flag.FlagSet) {
	cmd.StringVar(&d.server, "server", "", "Fetch the domain from this node instead of flags")
	cmd.StringVar(&d.name, "name", "commitgate", "Domain name")
	cmd.StringVar(&d.version, "domain-version", "1", "Domain version")
	cmd.Uint64Var(&d.chainID, "chain-id", 1, "Chain ID")
	cmd.StringVar(&d.contract, "contract", "", "Verifying contract address")
}

func (d *domainFlags) resolve(ctx context.Context) (typeddata.Domain, error) {
	if d.server != "" {
		info, err := client.New(d.server).Domain(ctx)
		if err != nil {
			return typeddata.Domain{}, err
		}
		return info.Domain, nil
	}
	if d.contract == "" {
		return typeddata.Domain{}, fmt.Errorf("--contract or --server is required")
	}
	contract, err := crypto.ParseAddress(d.contract)
	if err != nil {
		return typeddata.Domain{}, fmt.Errorf("--contract: %w", err)
	}
	return typeddata.Domain{Name: d.name, Version: d.version, ChainID: d.chainID, VerifyingContract: contract}, nil
}

func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("keygen", stderr)
	out := cmd.String("out", "", "Append the key to this file (mode 0600) instead of stdout")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	s, err := crypto.NewSecp256k1Signer()
	if err != nil {
		return fail(stderr, 1, "%v", err)
	}
	if *out == "" {
		if err := crypto.WriteKey(stdout, s); err != nil {
			return fail(stderr, 1, "%v", err)
		}
		return 0
	}
	f, err := os.OpenFile(*out, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fail(stderr, 1, "%v", err)
	}
	if err := crypto.WriteKey(f, s); err != nil {
		_ = f.Close()
		return fail(stderr, 1, "%v", err)
	}
	if err := f.Close(); err != nil {
		return fail(stderr, 1, "%v", err)
	}
	_, _ = fmt.Fprintln(stdout, s.Address().Hex())
	return 0
}

func runAddressCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("address", stderr)
	keyFile := cmd.String("key-file", "", "Key file (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *keyFile == "" {
		return fail(stderr, 2, "--key-file is required")
	}
	f, err := os.Open(*keyFile)
	if err != nil {
		return fail(stderr, 1, "%v", err)
	}
	defer func() { _ = f.Close() }()
	ring, err := crypto.ReadKeyRing(f)
	if err != nil {
		return fail(stderr, 1, "%v", err)
	}
	for _, a := range ring.Addresses() {
		_, _ = fmt.Fprintln(stdout, a.Hex())
	}
	return 0
}

func runDigestCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("digest", stderr)
	nonceHex := cmd.String("nonce", "", "Nonce as hex (REQUIRED)")
	agentHex := cmd.String("agent", "", "Committing agent address (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	n, err := nonce.Parse(*nonceHex)
	if err != nil {
		return fail(stderr, 2, "--nonce: %v", err)
	}
	agent, err := crypto.ParseAddress(*agentHex)
	if err != nil {
		return fail(stderr, 2, "--agent: %v", err)
	}
	_, _ = fmt.Fprintln(stdout, nonce.Digest(n, agent).Hex())
	return 0
}

func runSignUpdateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("sign-update", stderr)
	var dom domainFlags
	dom.register(cmd)
	keyFile := cmd.String("key-file", "", "Agent key file (REQUIRED)")
	address := cmd.String("address", "", "Key to use when the file holds several")
	target := cmd.String("target", "", "Target id, decimal or 0x hex (REQUIRED)")
	payload := cmd.String("uri", "", "Payload URI (REQUIRED)")
	nonceHex := cmd.String("nonce", "", "Commitment nonce; the digest is H(nonce, agent)")
	digestHex := cmd.String("digest", "", "Commitment digest, when the nonce is withheld")
	ttl := cmd.Duration("ttl", time.Hour, "Validity window from now")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	signer, err := loadSigner(*keyFile, *address)
	if err != nil {
		return fail(stderr, 2, "%v", err)
	}
	targetID, ok := new(big.Int).SetString(*target, 0)
	if !ok || targetID.Sign() < 0 {
		return fail(stderr, 2, "--target must be a non-negative integer")
	}
	if *payload == "" {
		return fail(stderr, 2, "--uri is required")
	}

	var digest crypto.Hash
	switch {
	case *nonceHex != "" && *digestHex != "":
		return fail(stderr, 2, "use --nonce or --digest, not both")
	case *nonceHex != "":
		n, err := nonce.Parse(*nonceHex)
		if err != nil {
			return fail(stderr, 2, "--nonce: %v", err)
		}
		digest = nonce.Digest(n, signer.Address())
	case *digestHex != "":
		if digest, err = crypto.ParseHash(*digestHex); err != nil {
			return fail(stderr, 2, "--digest: %v", err)
		}
	default:
		return fail(stderr, 2, "--nonce or --digest is required")
	}

	domain, err := dom.resolve(context.Background())
	if err != nil {
		return fail(stderr, 2, "%v", err)
	}
	req := gate.UpdateRequest{
		Agent:      signer.Address(),
		TargetID:   targetID,
		PayloadURI: *payload,
		Digest:     digest,
		Expiry:     uint64(now().Add(*ttl).Unix()),
	}
	sig, err := gate.SignUpdate(signer, domain, req)
	if err != nil {
		return fail(stderr, 1, "%v", err)
	}
	if err := writeJSON(stdout, api.NewUpdateBody(req, sig)); err != nil {
		return fail(stderr, 1, "%v", err)
	}
	return 0
}

func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("token", stderr)
	var dom domainFlags
	dom.register(cmd)
	keyFile := cmd.String("key-file", "", "Caller key file (REQUIRED)")
	address := cmd.String("address", "", "Key to use when the file holds several")
	ttl := cmd.Duration("ttl", 5*time.Minute, "Token lifetime")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	signer, err := loadSigner(*keyFile, *address)
	if err != nil {
		return fail(stderr, 2, "%v", err)
	}
	domain, err := dom.resolve(context.Background())
	if err != nil {
		return fail(stderr, 2, "%v", err)
	}
	tok, err := auth.IssueToken(signer, auth.Audience(domain), *ttl, now())
	if err != nil {
		return fail(stderr, 1, "%v", err)
	}
	_, _ = fmt.Fprintln(stdout, tok)
	return 0
}

type treeOutput struct {
	Root   crypto.Hash   `json:"root"`
	Leaves []crypto.Hash `json:"leaves"`
	Proof  *merkle.Proof `json:"proof,omitempty"`
}

// runTreeCmd builds a cross-chain tree from domain:nonce pairs.
func runTreeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("tree", stderr)
	index := cmd.Int("proof", -1, "Also emit the proof for the leaf at this index")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() == 0 {
		return fail(stderr, 2, "at least one domain:nonce pair is required")
	}
	leaves := make([]crypto.Hash, 0, cmd.NArg())
	for _, pair := range cmd.Args() {
		domainStr, nonceStr, ok := strings.Cut(pair, ":")
		if !ok {
			return fail(stderr, 2, "%q is not domain:nonce", pair)
		}
		domainID, err := crosschain.ParseDomainID(domainStr)
		if err != nil {
			return fail(stderr, 2, "%q: %v", pair, err)
		}
		n, err := nonce.Parse(nonceStr)
		if err != nil {
			return fail(stderr, 2, "%q: %v", pair, err)
		}
		leaves = append(leaves, crosschain.Leaf(domainID, n))
	}
	tree, err := merkle.Build(leaves)
	if err != nil {
		return fail(stderr, 1, "%v", err)
	}
	out := treeOutput{Root: tree.Root(), Leaves: tree.Leaves()}
	if *index >= 0 {
		p, err := tree.Proof(*index)
		if err != nil {
			return fail(stderr, 2, "--proof: %v", err)
		}
		out.Proof = &p
	}
	if err := writeJSON(stdout, out); err != nil {
		return fail(stderr, 1, "%v", err)
	}
	return 0
}

func runSubmitCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("submit", stderr)
	server := cmd.String("server", defaultServer, "Node base URL")
	file := cmd.String("file", "-", "Signed update JSON from sign-update; - for stdin")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	var r io.Reader = os.Stdin
	if *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			return fail(stderr, 2, "%v", err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	var body api.UpdateBody
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return fail(stderr, 2, "decode update: %v", err)
	}
	req, sig, err := body.Decode()
	if err != nil {
		return fail(stderr, 2, "%v", err)
	}
	receipt, err := client.New(*server).SubmitUpdate(context.Background(), req, sig)
	if err != nil {
		return fail(stderr, 1, "%v", err)
	}
	_ = writeJSON(stdout, receipt)
	return 0
}

func runRevealCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("reveal", stderr)
	server := cmd.String("server", defaultServer, "Node base URL")
	keyFile := cmd.String("key-file", "", "Agent key file (REQUIRED)")
	address := cmd.String("address", "", "Key to use when the file holds several")
	nonceHex := cmd.String("nonce", "", "Nonce to reveal (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	signer, err := loadSigner(*keyFile, *address)
	if err != nil {
		return fail(stderr, 2, "%v", err)
	}
	n, err := nonce.Parse(*nonceHex)
	if err != nil {
		return fail(stderr, 2, "--nonce: %v", err)
	}
	c := client.New(*server, client.WithSigner(signer), client.WithClock(now))
	receipt, err := c.Reveal(context.Background(), n)
	if err != nil {
		return fail(stderr, 1, "%v", err)
	}
	_ = writeJSON(stdout, receipt)
	return 0
}

func runRootCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("root", stderr)
	server := cmd.String("server", defaultServer, "Node base URL")
	set := cmd.String("set", "", "Publish this root (controller key required)")
	keyFile := cmd.String("key-file", "", "Controller key file")
	address := cmd.String("address", "", "Key to use when the file holds several")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	ctx := context.Background()
	if *set == "" {
		root, err := client.New(*server).Root(ctx)
		if err != nil {
			return fail(stderr, 1, "%v", err)
		}
		_ = writeJSON(stdout, root)
		return 0
	}
	root, err := crypto.ParseHash(*set)
	if err != nil {
		return fail(stderr, 2, "--set: %v", err)
	}
	signer, err := loadSigner(*keyFile, *address)
	if err != nil {
		return fail(stderr, 2, "%v", err)
	}
	published, err := client.New(*server, client.WithSigner(signer), client.WithClock(now)).UpdateRoot(ctx, root)
	if err != nil {
		return fail(stderr, 1, "%v", err)
	}
	_ = writeJSON(stdout, published)
	return 0
}
