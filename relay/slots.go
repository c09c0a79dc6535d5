package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Alia5/usbrelay/usbdesc"
)

// slotCount is the number of endpoint numbers a USB address space exposes
// (4-bit endpoint number, spec.md §1 GLOSSARY).
const slotCount = 16

// slot holds the reader/writer pair and backing queue for one direction of
// one endpoint number (spec.md §2 "16 IN slots, 16 OUT slots"). EP0 is
// special: it has only an out[0] reader (host requests) and a writer that
// performs the device round trip itself (see relay/writer.go).
type slot struct {
	endpoint *usbdesc.Endpoint
	queue    *PacketQueue
	reader   *RelayReader
	writer   *RelayWriter
	boundInjectors []Injector
	handles        []*injectorHandle

	wg sync.WaitGroup
}

// slotTable is the 16x2 matrix of slots, indexed by endpoint number and
// direction.
type slotTable struct {
	out [slotCount]*slot
	in  [slotCount]*slot
}

func newSlotTable() *slotTable {
	return &slotTable{}
}

// start launches the slot's reader and writer goroutines, plus any bound
// injector goroutines feeding the writer's auxiliary input.
func (s *slot) start(ctx context.Context, logger *slog.Logger) {
	if s.reader != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.reader.Run(ctx)
		}()
	}
	if s.writer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.writer.Run(ctx)
		}()
		for _, inj := range s.boundInjectors {
			s.handles = append(s.handles, spawnInjector(ctx, inj, s.writer.Aux().Push))
		}
	}
	_ = logger
}

// stop requests every goroutine owned by the slot to exit and waits for
// them to join (spec.md §4.7 steps 1-3).
func (s *slot) stop() {
	for _, h := range s.handles {
		h.inj.PleaseStop()
	}
	if s.reader != nil {
		s.reader.PleaseStop()
	}
	if s.queue != nil {
		s.queue.PleaseStop()
	}
	if s.writer != nil {
		s.writer.PleaseStop()
	}
	s.wg.Wait()
	for _, h := range s.handles {
		<-h.done
	}
}
