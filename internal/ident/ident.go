// Package ident mints transaction and reference identifiers.
//
// A transaction id has the shape
//
//	RTX<d><millis base36><d><hash6><d><random8>
//
// where each <d> is one of the delimiter characters required by the
// gateway contract, hash6 is a SHA-256 prefix over time and random bytes,
// and random8 comes from the CSPRNG. Generation needs no coordination
// beyond the system clock and crypto/rand.
package ident

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"strconv"
	"strings"
	"time"
)

const (
	TransactionPrefix = "RTX"
	ReferencePrefix   = "REF"

	// MinLength is the shortest identifier the gateway contract accepts.
	MinLength = 20

	// Delimiters is the set of special characters the gateway contract
	// requires at least one of.
	Delimiters = "@#$%&*!?"
)

type Generator struct {
	now  func() time.Time
	rand io.Reader
}

func NewGenerator() *Generator {
	return &Generator{now: time.Now, rand: rand.Reader}
}

// NewGeneratorWith is used by tests to pin the clock or the entropy source.
func NewGeneratorWith(now func() time.Time, r io.Reader) *Generator {
	return &Generator{now: now, rand: r}
}

func (g *Generator) NewTransactionID() string {
	entropy := g.read(8)
	stamp := g.stamp()
	sum := sha256.Sum256(append([]byte(stamp), entropy...))
	delims := g.read(3)

	var b strings.Builder
	b.Grow(32)
	b.WriteString(TransactionPrefix)
	b.WriteByte(delimiter(delims[0]))
	b.WriteString(stamp)
	b.WriteByte(delimiter(delims[1]))
	b.WriteString(strings.ToUpper(hex.EncodeToString(sum[:3])))
	b.WriteByte(delimiter(delims[2]))
	b.WriteString(strings.ToUpper(hex.EncodeToString(entropy[:4])))
	return b.String()
}

func (g *Generator) NewReferenceID() string {
	entropy := g.read(6)
	d := delimiter(g.read(1)[0])

	var b strings.Builder
	b.WriteString(ReferencePrefix)
	b.WriteByte(d)
	b.WriteString(g.stamp())
	b.WriteByte(d)
	b.WriteString(strings.ToUpper(hex.EncodeToString(entropy)))
	return b.String()
}

// IsWellFormed checks prefix, minimum length and the presence of at least
// one delimiter character.
func IsWellFormed(id string) bool {
	if !strings.HasPrefix(id, TransactionPrefix) {
		return false
	}
	if len(id) < MinLength {
		return false
	}
	return strings.ContainsAny(id, Delimiters)
}

func (g *Generator) stamp() string {
	return strings.ToUpper(strconv.FormatInt(g.now().UnixMilli(), 36))
}

func (g *Generator) read(n int) []byte {
	buf := make([]byte, n)
	if _, err := io.ReadFull(g.rand, buf); err != nil {
		// crypto/rand does not fail on supported platforms; mix in clock
		// bits so a broken reader still yields distinct ids.
		var seed [8]byte
		binary.BigEndian.PutUint64(seed[:], uint64(time.Now().UnixNano()))
		for i := range buf {
			buf[i] ^= seed[i%len(seed)]
		}
	}
	return buf
}

func delimiter(b byte) byte {
	return Delimiters[int(b)%len(Delimiters)]
}
