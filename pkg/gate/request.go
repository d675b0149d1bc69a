package gate

import (
	"math/big"

	"github.com/Mindburn-Labs/commitgate/pkg/crypto"
	"github.com/Mindburn-Labs/commitgate/pkg/typeddata"
)

// UpdateType is the structured-data type string every update signature commits to.
const UpdateType = "Update(address agent,uint256 targetId,string payloadURI,bytes32 digest,uint256 expiry)"

var updateTypeHash = typeddata.TypeHash(UpdateType)

// UpdateRequest is a state-changing update an agent submits on behalf of a
// principal. It is never persisted; only its effect survives.
type UpdateRequest struct {
	Agent      crypto.Address `json:"agent"`
	TargetID   *big.Int       `json:"target_id"`
	PayloadURI string         `json:"payload_uri"`
	Digest     crypto.Hash    `json:"digest"`
	// Expiry is a unix timestamp in seconds; the request is valid while now <= Expiry.
	Expiry uint64 `json:"expiry"`
}

// StructHash is hashStruct(Update) over exactly the five signed fields.
func (r UpdateRequest) StructHash() crypto.Hash {
	return crypto.Keccak256(
		updateTypeHash.Bytes(),
		typeddata.EncodeAddress(r.Agent),
		typeddata.EncodeUint256(r.TargetID),
		typeddata.EncodeString(r.PayloadURI),
		typeddata.EncodeBytes32(r.Digest),
		typeddata.EncodeUint64(r.Expiry),
	)
}

// SigningDigest is the value the agent signs for the given domain.
func (r UpdateRequest) SigningDigest(domain typeddata.Domain) crypto.Hash {
	return typeddata.Digest(domain.Separator(), r.StructHash())
}

// SignUpdate signs r for domain with s. Clients and tests use it; the
// server only verifies.
func SignUpdate(s crypto.Signer, domain typeddata.Domain, r UpdateRequest) ([]byte, error) {
	return s.SignDigest(r.SigningDigest(domain))
}

func targetString(id *big.Int) string {
	if id == nil {
		return "0"
	}
	return id.String()
}
