package main

import (
	"fmt"
	"io"

	"github.com/besos/kmem/heap"
	"github.com/besos/kmem/memutils"
	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

const (
	opMalloc    = "malloc"
	opCalloc    = "calloc"
	opRealloc   = "realloc"
	opFree      = "free"
	opPageAlloc = "page-alloc"
	opPageFree  = "page-free"
	opDump      = "dump"
	opValidate  = "validate"
	opStats     = "stats"
)

var expectedErrors = map[string]error{
	"exhausted":    memutils.ErrAllocationExhausted,
	"too-large":    memutils.ErrRequestTooLarge,
	"invalid-free": memutils.ErrInvalidFree,
	"double-free":  memutils.ErrDoubleFree,
	"overflow":     memutils.ErrSizeOverflow,
}

// operation is a single step of a workload. Allocations are referred to by name, so that later
// steps can resize or free them.
type operation struct {
	Op    string `yaml:"op"`
	Name  string `yaml:"name"`
	Size  int    `yaml:"size"`
	Count int    `yaml:"count"`
	// Expect names the error the step should fail with. Steps without it must succeed.
	Expect string `yaml:"expect"`
	// Detailed includes every page's blocks in the output of a stats step
	Detailed bool `yaml:"detailed"`
}

type workload struct {
	Operations []operation `yaml:"operations"`
}

func parseWorkload(data []byte) (workload, error) {
	var wl workload
	err := yaml.Unmarshal(data, &wl)
	if err != nil {
		return workload{}, errors.Wrap(err, "parsing workload")
	}

	for index, op := range wl.Operations {
		switch op.Op {
		case opMalloc, opCalloc, opRealloc, opFree, opPageAlloc, opPageFree:
			if op.Name == "" {
				return workload{}, errors.Newf("operation %d (%s) requires a name", index, op.Op)
			}
		case opDump, opValidate, opStats:
		default:
			return workload{}, errors.Newf("operation %d has unknown op %q", index, op.Op)
		}

		if _, ok := expectedErrors[op.Expect]; op.Expect != "" && !ok {
			return workload{}, errors.Newf("operation %d expects unknown error %q", index, op.Expect)
		}
	}

	return wl, nil
}

// liveBlock is an allocation the simulator has written a fill pattern into
type liveBlock struct {
	addr  memutils.Address
	size  int
	value byte
}

// simulator replays a workload against a heap. Every allocation is filled with a pattern that is
// checked again before the allocation is resized or freed, so that overlapping allocations are
// caught as soon as one of them is touched.
type simulator struct {
	heap *heap.Heap
	out  io.Writer

	names map[string]memutils.Address
	live  map[string]liveBlock
	step  int
}

func newSimulator(h *heap.Heap, out io.Writer) *simulator {
	return &simulator{
		heap:  h,
		out:   out,
		names: make(map[string]memutils.Address),
		live:  make(map[string]liveBlock),
	}
}

func (s *simulator) Run(wl workload) error {
	for index, op := range wl.Operations {
		s.step = index
		err := s.apply(op)
		if err != nil {
			return errors.Wrapf(err, "operation %d (%s %s)", index, op.Op, op.Name)
		}
	}

	return nil
}

func (s *simulator) apply(op operation) error {
	err := s.execute(op)
	if op.Expect == "" {
		return err
	}

	expected := expectedErrors[op.Expect]
	if err == nil {
		return errors.Newf("expected %s, but the operation succeeded", op.Expect)
	}
	if !errors.Is(err, expected) {
		return errors.Wrapf(err, "expected %s", op.Expect)
	}

	return nil
}

func (s *simulator) execute(op operation) error {
	switch op.Op {
	case opMalloc:
		addr, err := s.heap.Malloc(op.Size)
		if err != nil {
			return err
		}
		return s.track(op.Name, addr, op.Size)
	case opCalloc:
		addr, err := s.heap.Calloc(op.Count, op.Size)
		if err != nil {
			return err
		}
		err = s.check(liveBlock{addr: addr, size: op.Count * op.Size, value: 0})
		if err != nil {
			return err
		}
		return s.track(op.Name, addr, op.Count*op.Size)
	case opRealloc:
		return s.realloc(op.Name, op.Size)
	case opFree:
		if block, ok := s.live[op.Name]; ok {
			err := s.check(block)
			if err != nil {
				return err
			}
		}

		err := s.heap.Free(s.names[op.Name])
		if err != nil {
			return err
		}
		delete(s.live, op.Name)
		return nil
	case opPageAlloc:
		addr, err := s.heap.PageAlloc()
		if err != nil {
			return err
		}
		return s.track(op.Name, addr, memutils.PageSize)
	case opPageFree:
		err := s.heap.PageFree(s.names[op.Name])
		if err != nil {
			return err
		}
		delete(s.live, op.Name)
		return nil
	case opDump:
		s.heap.DumpStatus()
		return nil
	case opValidate:
		err := s.heap.Validate()
		if err != nil {
			return err
		}
		return s.heap.CheckCorruption()
	case opStats:
		_, err := fmt.Fprintln(s.out, s.heap.BuildStatsString(op.Detailed))
		return err
	}

	return errors.Newf("unknown op %q", op.Op)
}

func (s *simulator) realloc(name string, size int) error {
	old, hadBlock := s.live[name]
	if hadBlock {
		err := s.check(old)
		if err != nil {
			return err
		}
	}

	addr, err := s.heap.Realloc(s.names[name], size)
	if err != nil {
		return err
	}

	if size == 0 {
		delete(s.live, name)
		return nil
	}

	if hadBlock {
		kept := old
		kept.addr = addr
		kept.size = min(old.size, size)
		err = s.check(kept)
		if err != nil {
			return errors.Wrap(err, "contents were not preserved")
		}
	}

	return s.track(name, addr, size)
}

// track records a fresh allocation under name and fills it with a pattern unique to this step
func (s *simulator) track(name string, addr memutils.Address, size int) error {
	s.names[name] = addr
	if addr == memutils.NullAddress {
		delete(s.live, name)
		return nil
	}

	block := liveBlock{addr: addr, size: size, value: byte(s.step%255) + 1}
	data, err := s.heap.Bytes(addr, size)
	if err != nil {
		return err
	}
	for i := range data {
		data[i] = block.value
	}

	s.live[name] = block
	return nil
}

func (s *simulator) check(block liveBlock) error {
	if block.addr == memutils.NullAddress {
		return nil
	}

	data, err := s.heap.Bytes(block.addr, block.size)
	if err != nil {
		return err
	}

	for i, b := range data {
		if b != block.value {
			return errors.Newf("byte %d of the allocation at 0x%x is 0x%02x, expected 0x%02x", i, uint64(block.addr), b, block.value)
		}
	}

	return nil
}
