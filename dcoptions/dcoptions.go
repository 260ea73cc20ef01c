// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// dcoptions is the datacenter catalog: the endpoints of every datacenter and
// the RSA keys the client trusts during key exchange.
//
// The catalog file is an ini file with one section per datacenter and a keys
// section naming PEM files:
//	[dc2]
//	endpoint = 149.154.167.50:443
//	endpoint2 = 149.154.167.51:443
//
//	[keys]
//	main = ~/.mtpcore/server.pem
package dcoptions

import (
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/companyzero/mtpcore/rpc"
	"github.com/mitchellh/go-homedir"
	"github.com/vaughan0/go-ini"
)

// KeySize is the RSA modulus size, in bytes, the handshake requires.
const KeySize = 256

var (
	ErrNoPEM      = errors.New("no PEM block found")
	ErrKeyType    = errors.New("not an RSA public key")
	ErrKeySize    = errors.New("RSA modulus must be 2048 bits")
	ErrDataSize   = errors.New("data must be 256 bytes and below the modulus")
	ErrNoEndpoint = errors.New("no endpoint for datacenter")
)

// PublicKey is a server RSA key.
type PublicKey struct {
	N           *big.Int
	E           *big.Int
	fingerprint uint64
}

// NewPublicKey returns the key (n, e) with its fingerprint computed.
func NewPublicKey(n, e *big.Int) *PublicKey {
	k := &PublicKey{
		N: new(big.Int).Set(n),
		E: new(big.Int).Set(e),
	}
	enc := rpc.NewEncoder(KeySize + 16)
	enc.PutBytes(k.N.Bytes())
	enc.PutBytes(k.E.Bytes())
	h := sha1.Sum(enc.Buf())
	k.fingerprint = binary.LittleEndian.Uint64(h[12:20])
	return k
}

// Fingerprint is the low 64 bits of the SHA-1 of the serialized modulus and
// exponent.  Servers announce the keys they hold by fingerprint.
func (k *PublicKey) Fingerprint() uint64 {
	return k.fingerprint
}

// Encrypt performs raw RSA, without padding, on exactly 256 bytes.
func (k *PublicKey) Encrypt(data []byte) ([]byte, error) {
	if len(data) != KeySize {
		return nil, ErrDataSize
	}
	m := new(big.Int).SetBytes(data)
	if m.Cmp(k.N) >= 0 {
		return nil, ErrDataSize
	}
	c := new(big.Int).Exp(m, k.E, k.N)
	return c.FillBytes(make([]byte, KeySize)), nil
}

// ParsePublicKey reads a PKCS#1 ("RSA PUBLIC KEY") or PKIX ("PUBLIC KEY")
// PEM block.
func ParsePublicKey(data []byte) (*PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrNoPEM
	}

	var pub *rsa.PublicKey
	switch block.Type {
	case "RSA PUBLIC KEY":
		k, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		pub = k
	case "PUBLIC KEY":
		k, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rk, ok := k.(*rsa.PublicKey)
		if !ok {
			return nil, ErrKeyType
		}
		pub = rk
	default:
		return nil, ErrKeyType
	}
	if pub.N.BitLen() != KeySize*8 {
		return nil, ErrKeySize
	}
	return NewPublicKey(pub.N, big.NewInt(int64(pub.E))), nil
}

// Catalog is safe for concurrent use.
type Catalog struct {
	sync.RWMutex

	endpoints map[int][]string
	keys      map[uint64]*PublicKey
}

func New() *Catalog {
	return &Catalog{
		endpoints: make(map[int][]string),
		keys:      make(map[uint64]*PublicKey),
	}
}

// AddEndpoint appends addr to the ranked endpoint list of dc.
func (c *Catalog) AddEndpoint(dc int, addr string) {
	c.Lock()
	defer c.Unlock()
	c.endpoints[dc] = append(c.endpoints[dc], addr)
}

// Endpoints returns the endpoints of dc, best first.
func (c *Catalog) Endpoints(dc int) []string {
	c.RLock()
	defer c.RUnlock()
	return append([]string(nil), c.endpoints[dc]...)
}

// Endpoint returns the best endpoint of dc.
func (c *Catalog) Endpoint(dc int) (string, error) {
	c.RLock()
	defer c.RUnlock()
	e := c.endpoints[dc]
	if len(e) == 0 {
		return "", fmt.Errorf("%w %v", ErrNoEndpoint, dc)
	}
	return e[0], nil
}

// DCs returns all datacenter ids in ascending order.
func (c *Catalog) DCs() []int {
	c.RLock()
	defer c.RUnlock()
	ids := make([]int, 0, len(c.endpoints))
	for id := range c.endpoints {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (c *Catalog) AddKey(k *PublicKey) {
	c.Lock()
	defer c.Unlock()
	c.keys[k.Fingerprint()] = k
}

// LookupKey returns the first key of fingerprints that is trusted.
func (c *Catalog) LookupKey(fingerprints []uint64) (*PublicKey, bool) {
	c.RLock()
	defer c.RUnlock()
	for _, fp := range fingerprints {
		if k, ok := c.keys[fp]; ok {
			return k, true
		}
	}
	return nil, false
}

// Load reads a catalog file.  Key file names are relative to the directory
// of filename and may start with ~.
func Load(filename string) (*Catalog, error) {
	cfg, err := ini.LoadFile(filename)
	if err != nil {
		return nil, err
	}

	c := New()
	for name, section := range cfg {
		if !strings.HasPrefix(name, "dc") {
			continue
		}
		dc, err := strconv.Atoi(strings.TrimPrefix(name, "dc"))
		if err != nil {
			return nil, fmt.Errorf("invalid datacenter section: %v",
				name)
		}
		// ranked by key name: endpoint, endpoint2, ...
		names := make([]string, 0, len(section))
		for k := range section {
			if strings.HasPrefix(k, "endpoint") {
				names = append(names, k)
			}
		}
		sort.Slice(names, func(i, j int) bool {
			if len(names[i]) != len(names[j]) {
				return len(names[i]) < len(names[j])
			}
			return names[i] < names[j]
		})
		for _, k := range names {
			c.AddEndpoint(dc, section[k])
		}
	}

	dir := filepath.Dir(filename)
	for name, file := range cfg.Section("keys") {
		file, err = homedir.Expand(file)
		if err != nil {
			return nil, err
		}
		if !filepath.IsAbs(file) {
			file = filepath.Join(dir, file)
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("key %v: %w", name, err)
		}
		k, err := ParsePublicKey(data)
		if err != nil {
			return nil, fmt.Errorf("key %v: %w", name, err)
		}
		c.AddKey(k)
	}

	return c, nil
}
