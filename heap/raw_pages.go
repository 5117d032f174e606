package heap

import (
	"github.com/besos/kmem/memutils"
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slices"
)

// rawPageSet tracks pages granted whole through PageAlloc. They carry no page header, so the
// heap cannot recognize them from their contents.
type rawPageSet struct {
	pages *swiss.Map[memutils.Address, struct{}]
}

func (s *rawPageSet) Init() {
	s.pages = swiss.NewMap[memutils.Address, struct{}](8)
}

func (s *rawPageSet) Add(addr memutils.Address) {
	s.pages.Put(addr, struct{}{})
}

func (s *rawPageSet) Remove(addr memutils.Address) {
	s.pages.Delete(addr)
}

func (s *rawPageSet) Has(addr memutils.Address) bool {
	return s.pages.Has(addr)
}

func (s *rawPageSet) Count() int {
	return s.pages.Count()
}

// Visit calls the provided callback for every page in ascending address order
func (s *rawPageSet) Visit(visit func(addr memutils.Address)) {
	addrs := make([]memutils.Address, 0, s.pages.Count())
	s.pages.Iter(func(addr memutils.Address, _ struct{}) bool {
		addrs = append(addrs, addr)
		return false
	})
	slices.Sort(addrs)

	for _, addr := range addrs {
		visit(addr)
	}
}
