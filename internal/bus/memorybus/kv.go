package memorybus

import (
	"bytes"
	"context"
	"sort"
	"strings"
)

type memKV struct {
	bus       *Bus
	namespace string
}

func (k *memKV) nsMap() map[string][]byte {
	k.bus.kv[k.namespace] = orInit(k.bus.kv[k.namespace])
	return k.bus.kv[k.namespace]
}

func orInit(m map[string][]byte) map[string][]byte {
	if m == nil {
		return make(map[string][]byte)
	}
	return m
}

func (k *memKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	k.bus.kvMu.Lock()
	defer k.bus.kvMu.Unlock()

	v, ok := k.nsMap()[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (k *memKV) Set(ctx context.Context, key string, value []byte) error {
	k.bus.kvMu.Lock()
	defer k.bus.kvMu.Unlock()

	cp := make([]byte, len(value))
	copy(cp, value)
	k.nsMap()[key] = cp
	return nil
}

func (k *memKV) CompareAndSet(ctx context.Context, key string, oldValue, newValue []byte) (bool, error) {
	k.bus.kvMu.Lock()
	defer k.bus.kvMu.Unlock()

	m := k.nsMap()
	current, exists := m[key]

	if oldValue == nil {
		if exists {
			return false, nil
		}
	} else if !exists || !bytes.Equal(current, oldValue) {
		return false, nil
	}

	cp := make([]byte, len(newValue))
	copy(cp, newValue)
	m[key] = cp
	return true, nil
}

func (k *memKV) Del(ctx context.Context, key string) error {
	k.bus.kvMu.Lock()
	defer k.bus.kvMu.Unlock()

	delete(k.nsMap(), key)
	return nil
}

func (k *memKV) List(ctx context.Context, prefix string) ([]string, error) {
	k.bus.kvMu.Lock()
	defer k.bus.kvMu.Unlock()

	var out []string
	for key := range k.nsMap() {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}
