package flash

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/samsamfire/vdiag/internal/crc"
	"github.com/samsamfire/vdiag/internal/fifo"
	"github.com/samsamfire/vdiag/pkg/uds"
)

// State is a flash manager lifecycle stage.
type State int

const (
	StateIdle State = iota
	StateEnteringProgramming
	StateUnlocking
	StateErasing
	StateWriting
	StateVerifying
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEnteringProgramming:
		return "entering-programming"
	case StateUnlocking:
		return "unlocking"
	case StateErasing:
		return "erasing"
	case StateWriting:
		return "writing"
	case StateVerifying:
		return "verifying"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Region is a flashable memory region, used to scope the erase stage.
type Region struct {
	Address   uint32
	Size      uint32
	Protected bool
}

func (r Region) overlaps(addr uint32, length uint32) bool {
	return addr < r.Address+r.Size && r.Address < addr+length
}

// EraseRoutineID is the manufacturer-agnostic erase routine invoked via
// RoutineControl during the Erasing stage. It is a fixed constant;
// Config has no field to change it per ECU.
const EraseRoutineID = 0xFF00

// Config is the FlashConfig configuration surface (§6).
type Config struct {
	BlockSize        uint32 // default 256
	TimeoutMs        uint32 // default 5000
	VerifyAfterWrite bool
	EraseBeforeWrite bool
	SecurityLevel    uint8
	SeedToKey        uds.SeedToKey
	Regions          []Region
}

// DefaultConfig returns the §6 defaults.
func DefaultConfig() Config {
	return Config{BlockSize: 256, TimeoutMs: 5000}
}

func (c Config) blockSize() uint32 {
	if c.BlockSize == 0 {
		return 256
	}
	return c.BlockSize
}

// Stats accumulates across a single Program run.
type Stats struct {
	BlocksWritten int
	BlocksFailed  int
	BytesWritten  int
	Elapsed       time.Duration
}

// ThroughputBytesPerSec returns BytesWritten / Elapsed, or 0 if Elapsed
// is zero.
func (s Stats) ThroughputBytesPerSec() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.BytesWritten) / s.Elapsed.Seconds()
}

// ProgressFunc is invoked at every stage transition and block boundary.
type ProgressFunc func(operation State, current, total int, message string)

// Error wraps a flash-programming failure with as much diagnosable
// context as is available.
type Error struct {
	Kind    string
	Address uint32
	Err     error
}

func (e *Error) Error() string {
	if e.Address != 0 {
		return fmt.Sprintf("flash: %s at x%08X: %v", e.Kind, e.Address, e.Err)
	}
	return fmt.Sprintf("flash: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Manager drives the EnteringProgramming -> Unlocking -> Erasing ->
// Writing -> Verifying -> Done state machine (§4.7) on top of a
// uds.Client as its RPC substrate.
type Manager struct {
	client   *uds.Client
	config   Config
	state    State
	progress ProgressFunc
	stats    Stats
}

// NewManager constructs a manager driving client.
func NewManager(client *uds.Client, config Config, progress ProgressFunc) *Manager {
	if progress == nil {
		progress = func(State, int, int, string) {}
	}
	return &Manager{client: client, config: config, state: StateIdle, progress: progress}
}

// State returns the manager's current stage.
func (m *Manager) State() State { return m.state }

// Stats returns a snapshot of the run's statistics.
func (m *Manager) Stats() Stats { return m.stats }

func (m *Manager) transition(s State, current, total int, message string) {
	m.state = s
	m.progress(s, current, total, message)
}

func (m *Manager) fail(kind string, address uint32, err error) error {
	m.transition(StateFailed, 0, 0, err.Error())
	m.bestEffortCleanup()
	return &Error{Kind: kind, Address: address, Err: err}
}

// bestEffortCleanup attempts to exit the programming session after a
// failure; its own errors are logged, never propagated, per the
// best-effort cleanup policy.
func (m *Manager) bestEffortCleanup() {
	if _, err := m.client.RequestTransferExit(); err != nil {
		log.Debugf("[flash] best-effort transfer exit failed: %v", err)
	}
	if err := m.client.DiagnosticSessionControl(uds.SessionDefault); err != nil {
		log.Debugf("[flash] best-effort session reset failed: %v", err)
	}
}

// Program runs the full state machine against file and returns the
// accumulated statistics, or a *Error on any terminal failure.
func (m *Manager) Program(file File) (Stats, error) {
	if err := file.Validate(); err != nil {
		return Stats{}, &Error{Kind: "invalid file", Err: err}
	}
	start := time.Now()
	m.stats = Stats{}

	m.transition(StateEnteringProgramming, 0, 1, "entering programming session")
	if err := m.client.DiagnosticSessionControl(uds.SessionProgramming); err != nil {
		return m.stats, m.fail("enter programming session", 0, err)
	}

	if m.config.SecurityLevel != 0 {
		m.transition(StateUnlocking, 0, 1, fmt.Sprintf("unlocking security level %d", m.config.SecurityLevel))
		if err := m.unlock(); err != nil {
			return m.stats, m.fail("security unlock", 0, err)
		}
	}

	if m.config.EraseBeforeWrite {
		if err := m.erase(file); err != nil {
			return m.stats, err
		}
	}

	if err := m.write(file); err != nil {
		return m.stats, err
	}

	if m.config.VerifyAfterWrite {
		if err := m.verify(file); err != nil {
			return m.stats, err
		}
	}

	m.stats.Elapsed = time.Since(start)
	m.transition(StateDone, len(file.Blocks), len(file.Blocks), "programming complete")
	return m.stats, nil
}

func (m *Manager) unlock() error {
	seed, err := m.client.RequestSeed(m.config.SecurityLevel)
	if err != nil {
		return err
	}
	if m.config.SeedToKey == nil {
		return fmt.Errorf("flash: security_level set but no seed_to_key configured")
	}
	key := m.config.SeedToKey(seed, m.config.SecurityLevel)
	return m.client.SendKey(m.config.SecurityLevel, key)
}

func (m *Manager) erase(file File) error {
	m.transition(StateErasing, 0, len(m.config.Regions), "erasing")
	erased := 0
	for i, region := range m.config.Regions {
		if region.Protected {
			continue
		}
		overlapsFile := false
		for _, b := range file.Blocks {
			if region.overlaps(b.Address, uint32(len(b.Data))) {
				overlapsFile = true
				break
			}
		}
		if !overlapsFile {
			continue
		}
		data := make([]byte, 8)
		data[0] = byte(region.Address >> 24)
		data[1] = byte(region.Address >> 16)
		data[2] = byte(region.Address >> 8)
		data[3] = byte(region.Address)
		data[4] = byte(region.Size >> 24)
		data[5] = byte(region.Size >> 16)
		data[6] = byte(region.Size >> 8)
		data[7] = byte(region.Size)
		if _, err := m.client.RoutineControl(uds.RoutineStart, EraseRoutineID, data); err != nil {
			return m.fail("erase region", region.Address, err)
		}
		erased++
		m.progress(StateErasing, i+1, len(m.config.Regions), fmt.Sprintf("erased region at x%08X", region.Address))
	}
	return nil
}

// write sends each block via request_download/transfer_data/request_transfer_exit,
// chunked to the configured block size with a 1-indexed, 1..=0xFF
// wrapping sequence counter. A fifo.Fifo stages each chunk: the bytes are
// written in, peeked out with AltBegin/AltRead for the wire send, and only
// committed (read pointer advanced, CRC16 folded in) via AltFinish once
// TransferData succeeds, so a failed send leaves the chunk unconsumed.
func (m *Manager) write(file File) error {
	m.transition(StateWriting, 0, len(file.Blocks), "writing")
	blockSize := int(m.config.blockSize())

	for i, block := range file.Blocks {
		maxLen, err := m.client.RequestDownload(block.Address, uint32(len(block.Data)))
		if err != nil {
			m.stats.BlocksFailed++
			return m.fail("request download", block.Address, err)
		}
		chunkSize := blockSize
		if maxLen > 0 && int(maxLen) < chunkSize {
			chunkSize = int(maxLen)
		}

		// Sized one larger than chunkSize: the circular buffer always
		// keeps one slot empty to distinguish full from empty.
		stage := fifo.NewFifo(uint16(chunkSize + 1))
		var checksum crc.CRC16
		seq := uint8(1)
		for off := 0; off < len(block.Data); off += chunkSize {
			end := off + chunkSize
			if end > len(block.Data) {
				end = len(block.Data)
			}
			chunk := block.Data[off:end]
			stage.Reset()
			if stage.GetSpace() < len(chunk) {
				m.stats.BlocksFailed++
				return m.fail("transfer data", block.Address+uint32(off), fmt.Errorf("flash: chunk of %d bytes exceeds fifo capacity %d", len(chunk), stage.GetSpace()))
			}
			stage.Write(chunk, nil)

			stage.AltBegin(0)
			if n := stage.AltGetOccupied(); n != len(chunk) {
				m.stats.BlocksFailed++
				return m.fail("transfer data", block.Address+uint32(off), fmt.Errorf("flash: staged only %d of %d bytes", n, len(chunk)))
			}
			staged := make([]byte, len(chunk))
			stage.AltRead(staged)

			if _, err := m.client.TransferData(seq, staged); err != nil {
				m.stats.BlocksFailed++
				return m.fail("transfer data", block.Address+uint32(off), err)
			}
			stage.AltFinish(&checksum) // commit the chunk and fold it into the running CRC
			if seq == 0xFF {
				seq = 1
			} else {
				seq++
			}
		}

		if _, err := m.client.RequestTransferExit(); err != nil {
			m.stats.BlocksFailed++
			return m.fail("transfer exit", block.Address, err)
		}

		m.stats.BlocksWritten++
		m.stats.BytesWritten += len(block.Data)
		log.Debugf("[flash] wrote block at x%08X (%d bytes, crc x%04X)", block.Address, len(block.Data), uint16(checksum))
		m.progress(StateWriting, i+1, len(file.Blocks), fmt.Sprintf("wrote block at x%08X", block.Address))
	}
	return nil
}

// verify re-reads each block via read_memory_by_address, falling back
// to per-DID reads (0x1000 + block index) if unsupported, and compares
// byte-for-byte.
func (m *Manager) verify(file File) error {
	m.transition(StateVerifying, 0, len(file.Blocks), "verifying")
	for i, block := range file.Blocks {
		readBack, err := m.client.ReadMemoryByAddress(block.Address, uint32(len(block.Data)))
		if err != nil {
			var nrErr *uds.NegativeResponseError
			if !isServiceNotSupported(err, &nrErr) {
				return m.fail("verify read", block.Address, err)
			}
			readBack, err = m.client.ReadDataByIdentifier(uint16(0x1000 + i))
			if err != nil {
				return m.fail("verify fallback read", block.Address, err)
			}
		}
		if !bytesEqual(readBack, block.Data) {
			return m.fail("verification mismatch", block.Address, fmt.Errorf("readback does not match written data"))
		}
		m.progress(StateVerifying, i+1, len(file.Blocks), fmt.Sprintf("verified block at x%08X", block.Address))
	}
	return nil
}

func isServiceNotSupported(err error, target **uds.NegativeResponseError) bool {
	nrErr, ok := err.(*uds.NegativeResponseError)
	if !ok {
		return false
	}
	*target = nrErr
	return nrErr.NRC == uds.NRCServiceNotSupported || nrErr.NRC == uds.NRCSubFunctionNotSupported
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
