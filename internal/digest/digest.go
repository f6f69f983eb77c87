package digest

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/adler32"
	"sort"
	"strings"

	blake2b "github.com/minio/blake2b-simd"
	sha256 "github.com/minio/sha256-simd"
	"github.com/twmb/murmur3"
	"golang.org/x/crypto/md4"
	"golang.org/x/crypto/sha3"

	"github.com/NamanBalaji/gridmover/internal/errors"
)

// Checksum is a finished digest of a file.
type Checksum struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (c Checksum) String() string {
	return c.Type + ":" + c.Value
}

type hasher struct {
	hasherMaker func() hash.Hash
}

var availableHashers = map[string]hasher{
	"ADLER32":     {hasherMaker: func() hash.Hash { return adler32.New() }},
	"MD4":         {hasherMaker: md4.New},
	"MD5":         {hasherMaker: md5.New},
	"SHA-1":       {hasherMaker: sha1.New},
	"SHA-256":     {hasherMaker: sha256.New},
	"SHA3-512":    {hasherMaker: sha3.New512},
	"BLAKE2B-256": {hasherMaker: blake2b.New256},
	"MURMUR3-128": {hasherMaker: func() hash.Hash { return murmur3.New128() }},
}

// Available returns the supported digest names, sorted and comma separated.
func Available() string {
	names := make([]string, 0, len(availableHashers))
	for name := range availableHashers {
		names = append(names, "'"+name+"'")
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// Canonical returns the registered spelling of name, matching case-insensitively.
func Canonical(name string) (string, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	if _, ok := availableHashers[upper]; !ok {
		return "", errors.NewConfigurationError(
			fmt.Errorf("%w: unknown digest %q, available: %s", errors.ErrInvalidArgument, name, Available()),
			"digest",
		)
	}
	return upper, nil
}

type accumulator struct {
	name string
	hash hash.Hash
}

func newAccumulator(name string) (*accumulator, error) {
	canonical, err := Canonical(name)
	if err != nil {
		return nil, err
	}
	return &accumulator{name: canonical, hash: availableHashers[canonical].hasherMaker()}, nil
}

func (a *accumulator) checksum() Checksum {
	return Checksum{Type: a.name, Value: hex.EncodeToString(a.hash.Sum(nil))}
}

// Sum computes a single digest over p. Mostly useful for verifying transfers.
func Sum(name string, p []byte) (Checksum, error) {
	acc, err := newAccumulator(name)
	if err != nil {
		return Checksum{}, err
	}
	acc.hash.Write(p)
	return acc.checksum(), nil
}
