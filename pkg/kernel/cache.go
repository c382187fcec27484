package kernel

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"radplan/pkg/model"
)

// Key identifies a cached kernel: kernels are computed once per
// (modality, energy, resolution, shape) and reused across beams.
type Key struct {
	Modality     model.Modality
	Energy       float64
	ResolutionMM float64
	AxialScale   float64
}

// Cache is a bounded LRU of generated kernels. It is safe for concurrent
// use; the dose engine shares one cache across all beams of a plan.
type Cache struct {
	lru *lru.Cache[Key, *Kernel]
}

// NewCache creates a cache holding up to size kernels.
func NewCache(size int) (*Cache, error) {
	if size < 1 {
		size = 16
	}
	inner, err := lru.New[Key, *Kernel](size)
	if err != nil {
		return nil, model.WrapError(model.KindConfigError, "kernel cache", err)
	}
	return &Cache{lru: inner}, nil
}

// Get returns the kernel for the key, generating and caching it on a miss.
func (c *Cache) Get(key Key) (*Kernel, error) {
	if k, ok := c.lru.Get(key); ok {
		return k, nil
	}
	k, err := Generate(key.Modality, key.Energy, key.ResolutionMM, key.AxialScale)
	if err != nil {
		return nil, err
	}
	c.lru.Add(key, k)
	return k, nil
}

// Len returns the number of cached kernels.
func (c *Cache) Len() int {
	return c.lru.Len()
}
