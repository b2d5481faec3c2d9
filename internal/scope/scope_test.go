package scope

import (
	"errors"
	"sync"
	"testing"
)

type counter struct{ n int }

type greeter interface{ Greet() string }

type english struct{}

func (english) Greet() string { return "hello" }

func TestInsertGetReturnsSameInstance(t *testing.T) {
	t.Parallel()

	s := New()
	c := &counter{n: 1}
	Insert(s, c)

	a, err := Get[*counter](s)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b := MustGet[*counter](s)
	if a != c || b != c {
		t.Fatalf("expected the inserted pointer back")
	}
	a.n++
	if b.n != 2 {
		t.Fatalf("mutation not visible through second lookup: %d", b.n)
	}
}

func TestInsertOverwrites(t *testing.T) {
	t.Parallel()

	s := New()
	Insert(s, "first")
	Insert(s, "second")

	got, err := Get[string](s)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "second" {
		t.Fatalf("want second, got %q", got)
	}
	if s.Len() != 1 {
		t.Fatalf("want one entry, got %d", s.Len())
	}
}

func TestGetMissing(t *testing.T) {
	t.Parallel()

	s := New()
	_, err := Get[*counter](s)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if Has[*counter](s) {
		t.Fatalf("Has reported a missing type")
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("MustGet did not panic")
		}
	}()
	_ = MustGet[*counter](s)
}

func TestInterfaceKey(t *testing.T) {
	t.Parallel()

	s := New()
	Insert[greeter](s, english{})

	g, err := Get[greeter](s)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if g.Greet() != "hello" {
		t.Fatalf("unexpected greeting %q", g.Greet())
	}
	if _, err := Get[english](s); !errors.Is(err, ErrNotFound) {
		t.Fatalf("concrete type should not alias the interface key: %v", err)
	}
}

func TestUpdate(t *testing.T) {
	t.Parallel()

	s := New()
	Insert(s, counter{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = Update(s, func(c *counter) { c.n++ })
		}()
	}
	wg.Wait()

	got := MustGet[counter](s)
	if got.n != 50 {
		t.Fatalf("want 50, got %d", got.n)
	}
	if err := Update(s, func(*int) {}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound for missing type, got %v", err)
	}
}

func TestNilInterfaceIsNotFound(t *testing.T) {
	t.Parallel()

	s := New()
	Insert[greeter](s, nil)

	if _, err := Get[greeter](s); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound for a nil interface, got %v", err)
	}
	if Has[greeter](s) {
		t.Fatalf("Has must be false for a nil interface")
	}
	err := Update(s, func(g *greeter) { *g = english{} })
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update: want ErrNotFound, got %v", err)
	}
}
