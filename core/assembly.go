package core

import (
	"encoding/binary"
	"sync"
	"time"
)

// ProtocolError is well-formed-but-rule-violating input (e.g. hop count
// out of range, oversize frame): the caller drops it and penalizes the
// peer's routing-table stats.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol: " + e.Reason }

const (
	fragmentHeaderSize = 8
	fragmentVersion    = 1
)

// DefaultFragmentMTU is the spec's typical datagram MTU budget: 1280
// minus the 8-byte fragment header.
const DefaultFragmentMTU = 1280 - fragmentHeaderSize

// encodeFragmentHeader writes the version-1 fragmentation header: version,
// reserved, sequence, offset, total length (all big-endian except the two
// leading bytes).
func encodeFragmentHeader(seq, offset, total uint16) []byte {
	buf := make([]byte, fragmentHeaderSize)
	buf[0] = fragmentVersion
	buf[1] = 0
	binary.BigEndian.PutUint16(buf[2:4], seq)
	binary.BigEndian.PutUint16(buf[4:6], offset)
	binary.BigEndian.PutUint16(buf[6:8], total)
	return buf
}

// SplitMessage chunks message into MTU-sized fragments (each carrying the
// 8-byte header) and calls sender for each, in order. mtu is the payload
// budget per fragment, excluding the header.
func SplitMessage(message []byte, mtu int, sender func(frame []byte) error) error {
	if mtu <= 0 {
		mtu = DefaultFragmentMTU
	}
	total := len(message)
	if total > 0xFFFF {
		return &ProtocolError{Reason: "message exceeds maximum reassembled length"}
	}
	seq := uint16(0)
	for offset := 0; offset < total || (total == 0 && offset == 0); {
		end := offset + mtu
		if end > total {
			end = total
		}
		header := encodeFragmentHeader(seq, uint16(offset), uint16(total))
		frame := append(header, message[offset:end]...)
		if err := sender(frame); err != nil {
			return err
		}
		seq++
		if end == total {
			break
		}
		offset = end
	}
	return nil
}

type assemblyKey struct {
	remote string
	total  uint16
}

type fragmentData struct {
	offset  uint16
	payload []byte
}

type inFlightAssembly struct {
	total    uint16
	received map[uint16]fragmentData // keyed by sequence
	gotBytes int
	started  time.Time
	done     bool
}

// AssemblyBufferConfig bounds in-flight reassembly state.
type AssemblyBufferConfig struct {
	MaxAssembliesPerRemote int
	MaxAssembliesTotal     int
	AssemblyExpiry         time.Duration
}

// DefaultAssemblyBufferConfig returns conservative bounds.
func DefaultAssemblyBufferConfig() AssemblyBufferConfig {
	return AssemblyBufferConfig{
		MaxAssembliesPerRemote: 8,
		MaxAssembliesTotal:     256,
		AssemblyExpiry:         30 * time.Second,
	}
}

// AssemblyBuffer reassembles fragmented datagrams. Sends to one remote
// are serialized by a per-remote tag lock so two concurrent outbound
// messages to the same peer cannot interleave on the wire.
type AssemblyBuffer struct {
	cfg AssemblyBufferConfig

	mu         sync.Mutex
	byRemote   map[string]map[uint16]*inFlightAssembly // remote -> total -> assembly
	totalCount int

	sendMu sync.Map // remote string -> *sync.Mutex, the per-remote tag lock
}

// NewAssemblyBuffer builds an assembly buffer with the given bounds.
func NewAssemblyBuffer(cfg AssemblyBufferConfig) *AssemblyBuffer {
	return &AssemblyBuffer{cfg: cfg, byRemote: make(map[string]map[uint16]*inFlightAssembly)}
}

// tagLockFor returns (creating if needed) the per-remote serialization
// lock used by Send.
func (a *AssemblyBuffer) tagLockFor(remote string) *sync.Mutex {
	v, _ := a.sendMu.LoadOrStore(remote, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Send serializes fragment sends to one remote: two concurrent calls for
// the same remote block until the first completes.
func (a *AssemblyBuffer) Send(remote string, message []byte, mtu int, sender func(frame []byte) error) error {
	lock := a.tagLockFor(remote)
	lock.Lock()
	defer lock.Unlock()
	return SplitMessage(message, mtu, sender)
}

// Receive processes one fragment frame from remote, returning the
// complete message once every fragment has arrived. Malformed or
// unknown-version frames are dropped (the frame, not the assembly in
// progress) and reported only by ok=false — callers should simply not
// deliver anything further.
func (a *AssemblyBuffer) Receive(frame []byte, remote string) (message []byte, ok bool) {
	if len(frame) < fragmentHeaderSize {
		return nil, false
	}
	if frame[0] != fragmentVersion {
		return nil, false
	}
	seq := binary.BigEndian.Uint16(frame[2:4])
	offset := binary.BigEndian.Uint16(frame[4:6])
	total := binary.BigEndian.Uint16(frame[6:8])
	payload := frame[fragmentHeaderSize:]
	if int(offset)+len(payload) > int(total) {
		return nil, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.expireLocked()

	perRemote, ok := a.byRemote[remote]
	if !ok {
		perRemote = make(map[uint16]*inFlightAssembly)
		a.byRemote[remote] = perRemote
	}

	asm, ok := perRemote[total]
	if !ok {
		if len(perRemote) >= a.cfg.MaxAssembliesPerRemote || a.totalCount >= a.cfg.MaxAssembliesTotal {
			return nil, false
		}
		asm = &inFlightAssembly{total: total, received: make(map[uint16]fragmentData), started: time.Now()}
		perRemote[total] = asm
		a.totalCount++
	}

	if asm.done {
		// Not reached in practice: a completed assembly is deleted below as
		// soon as it finishes, so a fragment arriving after completion is
		// not dropped but starts a new assembly for the same (remote,
		// total) key.
		return nil, false
	}

	if _, dup := asm.received[seq]; !dup {
		asm.received[seq] = fragmentData{offset: offset, payload: append([]byte(nil), payload...)}
		asm.gotBytes += len(payload)
	}

	if asm.gotBytes < int(asm.total) {
		return nil, false
	}

	out := make([]byte, asm.total)
	for _, frag := range asm.received {
		copy(out[frag.offset:], frag.payload)
	}

	asm.done = true
	delete(perRemote, total)
	a.totalCount--
	if len(perRemote) == 0 {
		delete(a.byRemote, remote)
	}
	return out, true
}

// expireLocked drops assemblies older than the configured expiry; caller
// holds a.mu.
func (a *AssemblyBuffer) expireLocked() {
	cutoff := time.Now().Add(-a.cfg.AssemblyExpiry)
	for remote, perRemote := range a.byRemote {
		for total, asm := range perRemote {
			if asm.started.Before(cutoff) {
				delete(perRemote, total)
				a.totalCount--
			}
		}
		if len(perRemote) == 0 {
			delete(a.byRemote, remote)
		}
	}
}
