package core

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"math/big"
	"sync"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"github.com/hashicorp/golang-lru/v2"
	"github.com/herumi/bls-eth-go-binary/bls"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

func init() {
	if err := bls.Init(bls.BLS12_381); err != nil {
		panic(fmt.Sprintf("core: bls init: %v", err))
	}
}

// CryptoError is returned by verify/decrypt failures; per the error
// taxonomy these are dropped silently by callers, never propagated as a
// network failure.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string { return fmt.Sprintf("crypto: %s: %v", e.Op, e.Err) }
func (e *CryptoError) Unwrap() error { return e.Err }

func newCryptoError(op string, err error) *CryptoError { return &CryptoError{Op: op, Err: err} }

// KeyPair is a typed public/secret key pair for one crypto kind.
type KeyPair struct {
	Kind   CryptoKind
	Public TypedKey
	Secret TypedKey
}

// CryptoSuite is the polymorphic capability set a crypto kind implements:
// sign, verify, AEAD encrypt/decrypt, unauthenticated stream crypt, DH,
// hash, keypair generation, random bytes and key distance.
type CryptoSuite interface {
	Kind() CryptoKind
	GenerateKeyPair() (KeyPair, error)
	Sign(sk TypedKey, data []byte) ([]byte, error)
	Verify(pk TypedKey, data, signature []byte) (bool, error)
	Encrypt(sharedSecret TypedKey, nonce [24]byte, plaintext, assocData []byte) ([]byte, error)
	Decrypt(sharedSecret TypedKey, nonce [24]byte, ciphertext, assocData []byte) ([]byte, error)
	StreamCrypt(sharedSecret TypedKey, nonce [24]byte, data []byte) []byte
	DH(pk, sk TypedKey) (TypedKey, error)
	Hash(data []byte) [32]byte
	Distance(a, b TypedKey) *big.Int
}

// CryptoRegistry maps crypto kind to a concrete suite instance. It is
// constructed once at startup; callers fail loudly when a requested kind
// is absent rather than silently defaulting (design note: preserve the
// kind-indexed registry, fail loud on unknown kind).
type CryptoRegistry struct {
	mu     sync.RWMutex
	suites map[CryptoKind]CryptoSuite
}

// NewCryptoRegistry builds a registry pre-populated with the suites this
// node supports.
func NewCryptoRegistry(suites ...CryptoSuite) *CryptoRegistry {
	r := &CryptoRegistry{suites: make(map[CryptoKind]CryptoSuite, len(suites))}
	for _, s := range suites {
		r.suites[s.Kind()] = s
	}
	return r
}

// Get returns the suite for kind, or an error if the kind is unregistered.
func (r *CryptoRegistry) Get(kind CryptoKind) (CryptoSuite, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.suites[kind]
	if !ok {
		return nil, fmt.Errorf("core: crypto kind %s not registered", kind)
	}
	return s, nil
}

// Kinds returns the registered crypto kinds in no particular order; the
// registry does not record preference or registration order.
func (r *CryptoRegistry) Kinds() []CryptoKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CryptoKind, 0, len(r.suites))
	for k := range r.suites {
		out = append(out, k)
	}
	return out
}

// ---- ed25519 suite (VLD0) ----

type ed25519Suite struct{}

// NewEd25519Suite returns the default node-id signing suite.
func NewEd25519Suite() CryptoSuite { return ed25519Suite{} }

func (ed25519Suite) Kind() CryptoKind { return CryptoKindVLD0 }

func (s ed25519Suite) GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	var kp KeyPair
	kp.Kind = s.Kind()
	copy(kp.Public.Value[:], pub)
	kp.Public.Kind = s.Kind()
	// ed25519 private keys are 64 bytes (seed||pub); store the 32-byte seed.
	seed := priv.Seed()
	copy(kp.Secret.Value[:], seed)
	kp.Secret.Kind = s.Kind()

	probe := []byte("core/crypto self-validation probe")
	sig, err := s.Sign(kp.Secret, probe)
	if err != nil {
		return KeyPair{}, newCryptoError("generate", err)
	}
	ok, err := s.Verify(kp.Public, probe, sig)
	if err != nil || !ok {
		return KeyPair{}, newCryptoError("generate", fmt.Errorf("keypair failed self-validation round trip"))
	}
	return kp, nil
}

func (ed25519Suite) Sign(sk TypedKey, data []byte) ([]byte, error) {
	priv := ed25519.NewKeyFromSeed(sk.Value[:])
	return ed25519.Sign(priv, data), nil
}

func (ed25519Suite) Verify(pk TypedKey, data, signature []byte) (bool, error) {
	if len(signature) != ed25519.SignatureSize {
		return false, newCryptoError("verify", fmt.Errorf("bad signature length %d", len(signature)))
	}
	return ed25519.Verify(ed25519.PublicKey(pk.Value[:]), data, signature), nil
}

func (s ed25519Suite) Encrypt(shared TypedKey, nonce [24]byte, plaintext, assoc []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(shared.Value[:])
	if err != nil {
		return nil, newCryptoError("encrypt", err)
	}
	return aead.Seal(nil, nonce[:], plaintext, assoc), nil
}

func (s ed25519Suite) Decrypt(shared TypedKey, nonce [24]byte, ciphertext, assoc []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(shared.Value[:])
	if err != nil {
		return nil, newCryptoError("decrypt", err)
	}
	pt, err := aead.Open(nil, nonce[:], ciphertext, assoc)
	if err != nil {
		return nil, newCryptoError("decrypt", err)
	}
	return pt, nil
}

// StreamCrypt is the envelope body cipher: unauthenticated stream crypt
// keyed by DH(recipient_pk, sender_sk) and the envelope nonce, implemented
// as ChaCha20-Poly1305 with the tag discarded/ignored by the caller's
// framing (the envelope's own trailing signature is the authenticator).
func (s ed25519Suite) StreamCrypt(shared TypedKey, nonce [24]byte, data []byte) []byte {
	aead, err := chacha20poly1305.NewX(shared.Value[:])
	if err != nil {
		panic(fmt.Sprintf("core: stream crypt key setup: %v", err))
	}
	out := aead.Seal(nil, nonce[:], data, nil)
	// Strip the Poly1305 tag: this is the unauthenticated stream variant,
	// authentication is the envelope's outer signature.
	return out[:len(out)-chacha20poly1305.Overhead]
}

func (s ed25519Suite) DH(pk, sk TypedKey) (TypedKey, error) {
	shared, err := curve25519.X25519(sk.Value[:], pk.Value[:])
	if err != nil {
		return TypedKey{}, newCryptoError("dh", err)
	}
	var out TypedKey
	out.Kind = s.Kind()
	copy(out.Value[:], shared)
	return out, nil
}

func (ed25519Suite) Hash(data []byte) [32]byte { return sha256.Sum256(data) }

func (ed25519Suite) Distance(a, b TypedKey) *big.Int {
	return xorDistance(a.Value[:], b.Value[:])
}

func xorDistance(a, b []byte) *big.Int {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return new(big.Int).SetBytes(out)
}

// ---- BLS suite (VLD1) ----

type blsSuite struct{}

// NewBLSSuite returns a BLS12-381 suite, usable where aggregate/threshold
// signing is wanted.
func NewBLSSuite() CryptoSuite { return blsSuite{} }

func (blsSuite) Kind() CryptoKind { return CryptoKindVLD1 }

func (s blsSuite) GenerateKeyPair() (KeyPair, error) {
	var sk bls.SecretKey
	sk.SetByCSPRNG()
	pk := sk.GetPublicKey()

	var kp KeyPair
	kp.Kind = s.Kind()
	kp.Secret.Kind = s.Kind()
	kp.Public.Kind = s.Kind()
	skBytes := sk.Serialize()
	pkBytes := pk.Serialize()
	if len(skBytes) > TypedKeyValueLength || len(pkBytes) > TypedKeyValueLength {
		return KeyPair{}, fmt.Errorf("core: bls key does not fit typed key width")
	}
	copy(kp.Secret.Value[:], skBytes)
	copy(kp.Public.Value[:], pkBytes)

	probe := []byte("core/crypto self-validation probe")
	sig, err := s.Sign(kp.Secret, probe)
	if err != nil {
		return KeyPair{}, err
	}
	ok, err := s.Verify(kp.Public, probe, sig)
	if err != nil || !ok {
		return KeyPair{}, newCryptoError("generate", fmt.Errorf("keypair failed self-validation round trip"))
	}
	return kp, nil
}

func (blsSuite) Sign(sk TypedKey, data []byte) ([]byte, error) {
	var k bls.SecretKey
	if err := k.Deserialize(sk.Value[:]); err != nil {
		return nil, newCryptoError("sign", err)
	}
	return k.Sign(data).Serialize(), nil
}

func (blsSuite) Verify(pk TypedKey, data, signature []byte) (bool, error) {
	var p bls.PublicKey
	if err := p.Deserialize(pk.Value[:]); err != nil {
		return false, newCryptoError("verify", err)
	}
	var sig bls.Sign
	if err := sig.Deserialize(signature); err != nil {
		return false, newCryptoError("verify", err)
	}
	return sig.Verify(&p, string(data)), nil
}

// AggregateBLSSigs combines per-message BLS signatures into one.
func AggregateBLSSigs(sigs [][]byte) ([]byte, error) {
	var agg bls.Sign
	for i, raw := range sigs {
		var s bls.Sign
		if err := s.Deserialize(raw); err != nil {
			return nil, newCryptoError("aggregate", err)
		}
		if i == 0 {
			agg = s
		} else {
			agg.Add(&s)
		}
	}
	return agg.Serialize(), nil
}

func (s blsSuite) Encrypt(shared TypedKey, nonce [24]byte, plaintext, assoc []byte) ([]byte, error) {
	return (ed25519Suite{}).Encrypt(shared, nonce, plaintext, assoc)
}
func (s blsSuite) Decrypt(shared TypedKey, nonce [24]byte, ciphertext, assoc []byte) ([]byte, error) {
	return (ed25519Suite{}).Decrypt(shared, nonce, ciphertext, assoc)
}
func (s blsSuite) StreamCrypt(shared TypedKey, nonce [24]byte, data []byte) []byte {
	return (ed25519Suite{}).StreamCrypt(shared, nonce, data)
}
func (s blsSuite) DH(pk, sk TypedKey) (TypedKey, error) {
	// BLS keys are not DH-capable directly; node software negotiates an
	// ed25519 id alongside a BLS id for any node id group that needs one.
	return TypedKey{}, fmt.Errorf("core: crypto kind %s does not support DH", s.Kind())
}
func (blsSuite) Hash(data []byte) [32]byte { return sha256.Sum256(data) }
func (blsSuite) Distance(a, b TypedKey) *big.Int {
	return xorDistance(a.Value[:], b.Value[:])
}

// ---- Dilithium (post-quantum) suite (VLD2) ----

type dilithiumSuite struct{}

// NewDilithiumSuite returns the post-quantum signing suite.
func NewDilithiumSuite() CryptoSuite { return dilithiumSuite{} }

func (dilithiumSuite) Kind() CryptoKind { return CryptoKindVLD2 }

// dilithiumKeyStore holds the full (non-32-byte) Dilithium keys, indexed
// by the truncated hash stored in the TypedKey value, since Dilithium
// keys do not fit in 32 bytes. This mirrors how the node carries larger
// key material alongside the typed-key fixed-width handle.
var (
	dilMu    sync.RWMutex
	dilPub   = map[[32]byte]*mode3.PublicKey{}
	dilPriv  = map[[32]byte]*mode3.PrivateKey{}
)

func (s dilithiumSuite) GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := mode3.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, newCryptoError("generate", err)
	}
	var kp KeyPair
	kp.Kind = s.Kind()
	kp.Public.Kind = s.Kind()
	kp.Secret.Kind = s.Kind()

	var pubBuf [mode3.PublicKeySize]byte
	pub.Pack(&pubBuf)
	var privBuf [mode3.PrivateKeySize]byte
	priv.Pack(&privBuf)

	kp.Public.Value = sha256.Sum256(pubBuf[:])
	kp.Secret.Value = sha256.Sum256(privBuf[:])

	dilMu.Lock()
	dilPub[kp.Public.Value] = pub
	dilPriv[kp.Secret.Value] = priv
	dilMu.Unlock()

	probe := []byte("core/crypto self-validation probe")
	sig, err := s.Sign(kp.Secret, probe)
	if err != nil {
		return KeyPair{}, err
	}
	ok, err := s.Verify(kp.Public, probe, sig)
	if err != nil || !ok {
		return KeyPair{}, newCryptoError("generate", fmt.Errorf("keypair failed self-validation round trip"))
	}
	return kp, nil
}

func (dilithiumSuite) Sign(sk TypedKey, data []byte) ([]byte, error) {
	dilMu.RLock()
	priv, ok := dilPriv[sk.Value]
	dilMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("core: dilithium secret key not found for handle")
	}
	sig := make([]byte, mode3.SignatureSize)
	mode3.SignTo(priv, data, sig)
	return sig, nil
}

func (dilithiumSuite) Verify(pk TypedKey, data, signature []byte) (bool, error) {
	dilMu.RLock()
	pub, ok := dilPub[pk.Value]
	dilMu.RUnlock()
	if !ok {
		return false, fmt.Errorf("core: dilithium public key not found for handle")
	}
	return mode3.Verify(pub, data, signature), nil
}

func (s dilithiumSuite) Encrypt(shared TypedKey, nonce [24]byte, plaintext, assoc []byte) ([]byte, error) {
	return (ed25519Suite{}).Encrypt(shared, nonce, plaintext, assoc)
}
func (s dilithiumSuite) Decrypt(shared TypedKey, nonce [24]byte, ciphertext, assoc []byte) ([]byte, error) {
	return (ed25519Suite{}).Decrypt(shared, nonce, ciphertext, assoc)
}
func (s dilithiumSuite) StreamCrypt(shared TypedKey, nonce [24]byte, data []byte) []byte {
	return (ed25519Suite{}).StreamCrypt(shared, nonce, data)
}
func (s dilithiumSuite) DH(pk, sk TypedKey) (TypedKey, error) {
	return TypedKey{}, fmt.Errorf("core: crypto kind %s does not support DH", s.Kind())
}
func (dilithiumSuite) Hash(data []byte) [32]byte { return sha256.Sum256(data) }
func (dilithiumSuite) Distance(a, b TypedKey) *big.Int {
	return xorDistance(a.Value[:], b.Value[:])
}

// ---- deterministic "none" suite for tests ----

type noneSuite struct{}

// NewNoneSuite returns a deterministic, insecure suite satisfying the
// CryptoSuite interface with trivial operations, so the rest of the stack
// can run without real cryptography in unit tests.
func NewNoneSuite() CryptoSuite { return noneSuite{} }

func (noneSuite) Kind() CryptoKind { return CryptoKindNone }

func (s noneSuite) GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	kp.Kind = s.Kind()
	kp.Public.Kind = s.Kind()
	kp.Secret.Kind = s.Kind()
	if _, err := rand.Read(kp.Secret.Value[:]); err != nil {
		return KeyPair{}, err
	}
	kp.Public.Value = kp.Secret.Value // compare-based: public == secret
	return kp, nil
}

// noneSignatureSize matches envelopeSigSize/receiptSigSize (the wire
// format's signature field is a fixed 64 bytes regardless of kind), so
// the deterministic suite concatenates two domain-separated hashes
// rather than returning a bare 32-byte digest.
func noneSignatureBytes(keyValue [TypedKeyValueLength]byte, data []byte) []byte {
	h1 := sha256.Sum256(append(append([]byte{}, keyValue[:]...), data...))
	h2 := sha256.Sum256(append(append([]byte{}, h1[:]...), data...))
	out := make([]byte, 0, 64)
	out = append(out, h1[:]...)
	return append(out, h2[:]...)
}

func (noneSuite) Sign(sk TypedKey, data []byte) ([]byte, error) {
	return noneSignatureBytes(sk.Value, data), nil
}

func (noneSuite) Verify(pk TypedKey, data, signature []byte) (bool, error) {
	want := noneSignatureBytes(pk.Value, data)
	return len(signature) == len(want) && subtle.ConstantTimeCompare(want, signature) == 1, nil
}

func (noneSuite) Encrypt(shared TypedKey, nonce [24]byte, plaintext, assoc []byte) ([]byte, error) {
	ks := noneKeystream(shared, nonce, len(plaintext))
	out := make([]byte, len(plaintext))
	for i := range plaintext {
		out[i] = plaintext[i] ^ ks[i]
	}
	tag := sha256.Sum256(append(append(append([]byte{}, shared.Value[:]...), assoc...), out...))
	return append(out, tag[:16]...), nil
}

func (noneSuite) Decrypt(shared TypedKey, nonce [24]byte, ciphertext, assoc []byte) ([]byte, error) {
	if len(ciphertext) < 16 {
		return nil, newCryptoError("decrypt", fmt.Errorf("ciphertext too short"))
	}
	body, tag := ciphertext[:len(ciphertext)-16], ciphertext[len(ciphertext)-16:]
	want := sha256.Sum256(append(append(append([]byte{}, shared.Value[:]...), assoc...), body...))
	if subtle.ConstantTimeCompare(want[:16], tag) != 1 {
		return nil, newCryptoError("decrypt", fmt.Errorf("tag mismatch"))
	}
	ks := noneKeystream(shared, nonce, len(body))
	out := make([]byte, len(body))
	for i := range body {
		out[i] = body[i] ^ ks[i]
	}
	return out, nil
}

func (noneSuite) StreamCrypt(shared TypedKey, nonce [24]byte, data []byte) []byte {
	ks := noneKeystream(shared, nonce, len(data))
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ ks[i]
	}
	return out
}

func noneKeystream(shared TypedKey, nonce [24]byte, n int) []byte {
	out := make([]byte, 0, n)
	counter := uint64(0)
	seed := append(append([]byte{}, shared.Value[:]...), nonce[:]...)
	for len(out) < n {
		var ctr [8]byte
		for i := 0; i < 8; i++ {
			ctr[i] = byte(counter >> (8 * i))
		}
		block := sha256.Sum256(append(seed, ctr[:]...))
		out = append(out, block[:]...)
		counter++
	}
	return out[:n]
}

func (noneSuite) DH(pk, sk TypedKey) (TypedKey, error) {
	var out TypedKey
	out.Kind = CryptoKindNone
	for i := 0; i < TypedKeyValueLength; i++ {
		out.Value[i] = pk.Value[i] ^ sk.Value[i]
	}
	return out, nil
}

func (noneSuite) Hash(data []byte) [32]byte { return sha256.Sum256(data) }

func (noneSuite) Distance(a, b TypedKey) *big.Int {
	return xorDistance(a.Value[:], b.Value[:])
}

// ---- DH cache ----

// dhCacheKey keys the DH LRU by the (pk, sk) pair.
type dhCacheKey struct {
	pk TypedKey
	sk TypedKey
}

// DHCache is an LRU of bounded size over DH results, keyed by (pk, sk).
// Misses call through to the raw DH and insert. The cache lives in memory:
// Flush takes a snapshot tagged with the node id and Load restores one
// only if that node id matches the current one. Nothing in this package
// writes snapshots to storage or flushes on a schedule.
type DHCache struct {
	mu       sync.Mutex
	cache    *lru.Cache[dhCacheKey, TypedKey]
	registry *CryptoRegistry
	nodeID   NodeID
}

// NewDHCache builds a DH cache of the given bounded size (spec default
// 1024 entries).
func NewDHCache(registry *CryptoRegistry, nodeID NodeID, size int) (*DHCache, error) {
	if size <= 0 {
		size = 1024
	}
	c, err := lru.New[dhCacheKey, TypedKey](size)
	if err != nil {
		return nil, err
	}
	return &DHCache{cache: c, registry: registry, nodeID: nodeID}, nil
}

// CachedDH returns DH(pk, sk), consulting the cache first.
func (d *DHCache) CachedDH(pk, sk TypedKey) (TypedKey, error) {
	key := dhCacheKey{pk: pk, sk: sk}
	d.mu.Lock()
	if v, ok := d.cache.Get(key); ok {
		d.mu.Unlock()
		return v, nil
	}
	d.mu.Unlock()

	suite, err := d.registry.Get(pk.Kind)
	if err != nil {
		return TypedKey{}, err
	}
	shared, err := suite.DH(pk, sk)
	if err != nil {
		return TypedKey{}, err
	}

	d.mu.Lock()
	d.cache.Add(key, shared)
	d.mu.Unlock()
	return shared, nil
}

// FlushRecord is a snapshot of the DH cache together with the node id it
// was taken under, so Load can discard it after a node-id change.
type FlushRecord struct {
	NodeIDKind  CryptoKind
	NodeIDValue [TypedKeyValueLength]byte
	Entries     []FlushEntry
}

// FlushEntry is one (pk, sk) -> shared-secret row in a flushed DH cache.
type FlushEntry struct {
	PKKind    CryptoKind
	PKValue   [TypedKeyValueLength]byte
	SKKind    CryptoKind
	SKValue   [TypedKeyValueLength]byte
	OutKind   CryptoKind
	OutValue  [TypedKeyValueLength]byte
}

// Flush snapshots the cache into a FlushRecord for persistence.
func (d *DHCache) Flush() FlushRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec := FlushRecord{NodeIDKind: d.nodeID.Kind, NodeIDValue: d.nodeID.Value}
	for _, key := range d.cache.Keys() {
		v, ok := d.cache.Peek(key)
		if !ok {
			continue
		}
		rec.Entries = append(rec.Entries, FlushEntry{
			PKKind: key.pk.Kind, PKValue: key.pk.Value,
			SKKind: key.sk.Kind, SKValue: key.sk.Value,
			OutKind: v.Kind, OutValue: v.Value,
		})
	}
	return rec
}

// Load restores a flushed cache only if its node id matches the current
// one; otherwise it is discarded and the cache starts empty.
func (d *DHCache) Load(rec FlushRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec.NodeIDKind != d.nodeID.Kind || rec.NodeIDValue != d.nodeID.Value {
		return
	}
	for _, e := range rec.Entries {
		key := dhCacheKey{
			pk: TypedKey{Kind: e.PKKind, Value: e.PKValue},
			sk: TypedKey{Kind: e.SKKind, Value: e.SKValue},
		}
		d.cache.Add(key, TypedKey{Kind: e.OutKind, Value: e.OutValue})
	}
}

// ComputeMerkleRoot computes a double-SHA256 Merkle root over sorted
// leaves, duplicating the last leaf on an odd count at each level.
func ComputeMerkleRoot(leaves [][]byte) ([]byte, error) {
	if len(leaves) == 0 {
		return nil, fmt.Errorf("core: no leaves")
	}
	level := make([][]byte, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			h1 := sha256.Sum256(level[i])
			h2 := sha256.Sum256(level[i+1])
			combined := sha256.Sum256(append(h1[:], h2[:]...))
			next = append(next, combined[:])
		}
		level = next
	}
	return level[0], nil
}
