package game

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

const (
	HOUSE_EDGE = 0.01 // 1%

	// hashBits is how much of the digest feeds the distribution. 52 bits is
	// the float64 mantissa, so the conversion below is exact.
	hashBits = 52
)

var (
	MinMultiplier = decimal.New(100, -2)
	MaxMultiplier = decimal.New(100000000, -2)
)

// Commitment is everything fixed about a round before it opens. ServerSeed
// stays private until the round crashes; ServerSeedHash is published up front.
type Commitment struct {
	ServerSeed     string
	ServerSeedHash string
	ClientSeed     string
	Nonce          int64
	CrashPoint     decimal.Decimal
}

// Committer issues the provably fair commitment for a round.
type Committer interface {
	Commit(nonce int64) Commitment
}

// Generator is the production Committer. When clientSeed is empty a fresh
// random client seed is drawn for every round.
type Generator struct {
	clientSeed string
}

func NewGenerator(clientSeed string) *Generator {
	return &Generator{clientSeed: clientSeed}
}

func (g *Generator) Commit(nonce int64) Commitment {
	serverSeed := GenerateSeed()
	clientSeed := g.clientSeed
	if clientSeed == "" {
		clientSeed = GenerateSeed()
	}

	return Commitment{
		ServerSeed:     serverSeed,
		ServerSeedHash: HashCommitment(serverSeed),
		ClientSeed:     clientSeed,
		Nonce:          nonce,
		CrashPoint:     CrashPoint(serverSeed, clientSeed, nonce),
	}
}

// CrashPoint maps HMAC-SHA256(serverSeed, "clientSeed:nonce") onto the
// house-edge adjusted inverse distribution used by crash games:
// P(crash >= x) = 0.99 / x. The result is floored to two decimals.
func CrashPoint(serverSeed, clientSeed string, nonce int64) decimal.Decimal {
	h := hmac.New(sha256.New, []byte(serverSeed))
	h.Write([]byte(fmt.Sprintf("%s:%d", clientSeed, nonce)))
	sum := h.Sum(nil)

	n := binary.BigEndian.Uint64(sum[:8]) >> (64 - hashBits)
	r := float64(n) / float64(uint64(1)<<hashBits)

	// House edge: 1% instant crash
	if r < HOUSE_EDGE {
		return MinMultiplier
	}

	cents := math.Floor(100 * (1 - HOUSE_EDGE) / (1 - r))
	if cents >= float64(MaxMultiplier.Shift(2).IntPart()) {
		return MaxMultiplier
	}

	point := decimal.New(int64(cents), -2)
	if point.LessThan(MinMultiplier) {
		return MinMultiplier
	}
	return point
}

// GenerateSeed creates a cryptographically secure random seed
func GenerateSeed() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// HashCommitment creates a SHA256 hash of the seed for commitment
func HashCommitment(seed string) string {
	h := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(h[:])
}

// VerifyRound allows players to verify the fairness of a round
func VerifyRound(serverSeed, clientSeed string, nonce int64, claimed decimal.Decimal) bool {
	return CrashPoint(serverSeed, clientSeed, nonce).Equal(claimed)
}

// VerifyCommitment reports whether serverSeed is the preimage of the hash that
// was published before the round.
func VerifyCommitment(serverSeed, commitment string) bool {
	return hmac.Equal([]byte(HashCommitment(serverSeed)), []byte(commitment))
}
