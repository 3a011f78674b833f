package pki

import (
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/storage"
)

const (
	// serialBytes is the length of random serials. The top bit is cleared
	// so the DER INTEGER stays positive within 20 octets.
	serialBytes = 20

	maxSerialAttempts = 16
)

var errSerialExhausted = errors.New("could not allocate an unused serial")

// allocateSerial returns a serial that the authority has never used and
// records it as used. The per-authority lock orders allocations in this
// process; the counter CAS and the create-only reservation guard against
// other processes sharing the repository.
func (e *Engine) allocateSerial(a *authority, now time.Time) (*big.Int, error) {
	a.serialMu.Lock()
	defer a.serialMu.Unlock()

	for range maxSerialAttempts {
		var serial *big.Int
		switch a.cfg.SerialMode {
		case SerialSequential:
			value, version, err := e.store.Counter(a.id, counterSerial)
			if err != nil {
				return nil, err
			}
			next := value + 1
			if err := e.store.SwapCounter(a.id, counterSerial, version, next); err != nil {
				if errors.Is(err, storage.ErrCASFailed) {
					continue
				}
				return nil, err
			}
			serial = new(big.Int).SetUint64(next)
		default:
			var err error
			if serial, err = randomSerial(e.rand); err != nil {
				return nil, err
			}
		}

		ok, err := e.store.Reserve(a.id, serial, now)
		if err != nil {
			return nil, err
		}
		if ok {
			return serial, nil
		}
		e.log.V(1).Info("serial already reserved, retrying", "ca", a.id, "serial", util.FormatSerial(serial))
	}
	return nil, fmt.Errorf("%s: %w", a.id, errSerialExhausted)
}

func randomSerial(r io.Reader) (*big.Int, error) {
	for {
		b, err := util.RandomBytesFrom(r, serialBytes)
		if err != nil {
			return nil, fmt.Errorf("generating serial: %w", err)
		}
		b[0] &= 0x7f
		if serial := new(big.Int).SetBytes(b); serial.Sign() > 0 {
			return serial, nil
		}
	}
}
