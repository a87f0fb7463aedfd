// Package affinity pins pipeline workers to OS cores per spec.md §4.6: a
// u64 bitmask names the cores eligible for broker work, immutable for the
// broker's lifetime. It generalizes the teacher's
// internal/config/gc_tuning.go GOMAXPROCS-tuning idiom from "one knob for
// the whole process" to "one pinned OS thread per set bit".
package affinity

import (
	"fmt"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Mask is the u64 core selector from spec.md §4.6. Bit i set means core i
// is eligible to host a pipeline unit.
type Mask uint64

// CoreIDs returns the set bits of m in ascending order.
func (m Mask) CoreIDs() []int {
	cores := make([]int, 0, 64)
	for i := 0; i < 64; i++ {
		if m&(1<<uint(i)) != 0 {
			cores = append(cores, i)
		}
	}
	return cores
}

// Count reports how many cores the mask selects.
func (m Mask) Count() int {
	n := 0
	for i := 0; i < 64; i++ {
		if m&(1<<uint(i)) != 0 {
			n++
		}
	}
	return n
}

// Validate rejects an empty mask or one naming a core beyond NumCPU; an
// operator oversubscribing cores (more streams than ideal per core) is
// explicitly permitted by spec.md §4.6, but pinning to a nonexistent core
// is a startup-fatal misconfiguration.
func (m Mask) Validate() error {
	if m == 0 {
		return fmt.Errorf("affinity: mask must select at least one core")
	}
	n := runtime.NumCPU()
	for _, c := range m.CoreIDs() {
		if c >= n {
			return fmt.Errorf("affinity: mask selects core %d but only %d cores visible", c, n)
		}
	}
	return nil
}

// PinCurrentThread locks the calling goroutine to its current OS thread
// and restricts that thread's scheduling affinity to exactly core. Callers
// must invoke this as the first action on a goroutine that is to become a
// pipeline unit's worker, before any blocking call yields it back to the
// Go scheduler onto a different thread.
func PinCurrentThread(core int) error {
	runtime.LockOSThread()

	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("affinity: SchedSetaffinity core %d: %w", core, err)
	}
	return nil
}

// Spawn starts one goroutine per set bit in m, each pinned to its core via
// PinCurrentThread before run is invoked. run receives the core id it was
// pinned to. Spawn returns nil once every worker goroutine has pinned
// successfully, or logs and returns the first pin error as soon as it
// arrives; cmd/broker treats that error as fatal, per spec.md §7 ("pin
// failure at startup" is unrecoverable).
func Spawn(logger *zap.Logger, m Mask, run func(core int)) error {
	if err := m.Validate(); err != nil {
		return err
	}

	cores := m.CoreIDs()
	errCh := make(chan error, len(cores))

	for _, core := range cores {
		core := core
		go func() {
			if err := PinCurrentThread(core); err != nil {
				errCh <- err
				return
			}
			errCh <- nil
			run(core)
		}()
	}

	for range cores {
		if err := <-errCh; err != nil {
			logger.Error("affinity: worker pin failed", zap.Error(err))
			return err
		}
	}
	return nil
}
