package vmem

// List is a container tuned for queue-like use: only inner pages are
// rebalanced, so pushes and pops at either end never touch a sibling.
type List[T any] struct {
	*Container[T, NoHeader]
}

// ListPolicy is the balance policy of List.
var ListPolicy = BalancePolicy{Insert: BalanceInner, Erase: BalanceInner}

func NewList[T any](pool *Pool, state Ref) (*List[T], error) {
	c, err := NewContainer[T, NoHeader](pool, state, ListPolicy)
	if err != nil {
		return nil, err
	}
	return &List[T]{Container: c}, nil
}

// Each calls fn for every item from front to back until fn returns false.
func (l *List[T]) Each(fn func(T) bool) error {
	it, err := l.Begin()
	if err != nil {
		return err
	}
	for it.Valid() {
		v, err := it.Load()
		if err != nil {
			return err
		}
		if !fn(v) {
			return nil
		}
		if err := it.Next(); err != nil {
			return err
		}
	}
	return nil
}

// Stack is a container that never rebalances. Pushes fill the back page and
// open a new one when it is full, so pages stay dense.
type Stack[T any] struct {
	*Container[T, NoHeader]
}

var StackPolicy = BalancePolicy{Insert: BalanceNone, Erase: BalanceNone}

func NewStack[T any](pool *Pool, state Ref) (*Stack[T], error) {
	c, err := NewContainer[T, NoHeader](pool, state, StackPolicy)
	if err != nil {
		return nil, err
	}
	return &Stack[T]{Container: c}, nil
}

func (s *Stack[T]) Push(v T) error { return s.PushBack(v) }

func (s *Stack[T]) Pop() (T, error) { return s.PopBack() }

// Top returns the last pushed item without removing it.
func (s *Stack[T]) Top() (T, error) { return s.Back() }

// TopRef returns the persisted location of the top item.
func (s *Stack[T]) TopRef() (Ref, error) {
	it, err := s.RBegin()
	if err != nil {
		return Ref{}, err
	}
	if !it.Valid() {
		return Ref{}, ErrEmpty
	}
	return s.RefAt(it)
}
