package simulation

import "sort"

// SlotName 标识一个统计槽位。
type SlotName string

const (
	SlotBalances        SlotName = "balances"
	SlotOrders          SlotName = "orders"
	SlotBalanceProgress SlotName = "balance_progress"
)

// Slots 是带存在标记的统计槽位容器；未写入的槽位与写入零值的槽位可区分。
type Slots struct {
	values map[SlotName]any
}

func (s *Slots) Load(name SlotName) (any, bool) {
	if s == nil || s.values == nil {
		return nil, false
	}
	v, ok := s.values[name]
	return v, ok
}

func (s *Slots) Store(name SlotName, v any) {
	if s.values == nil {
		s.values = make(map[SlotName]any)
	}
	s.values[name] = v
}

func (s *Slots) Names() []SlotName {
	if s == nil {
		return nil
	}
	out := make([]SlotName, 0, len(s.values))
	for k := range s.values {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LoadSlot 按类型读取槽位；类型不符视为未填充。
func LoadSlot[T any](s *Slots, name SlotName) (T, bool) {
	var zero T
	raw, ok := s.Load(name)
	if !ok {
		return zero, false
	}
	v, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return v, true
}
