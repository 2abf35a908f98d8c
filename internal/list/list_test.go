package list

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ringStub struct {
	id   int
	link Elem[ringStub]
}

func TestListPushPopOrder(t *testing.T) {
	l := New[ringStub]()
	a := &ringStub{id: 1}
	b := &ringStub{id: 2}
	c := &ringStub{id: 3}

	l.PushBack(&a.link, a)
	l.PushBack(&b.link, b)
	l.PushBack(&c.link, c)

	require.Equal(t, 3, l.Len())

	var seen []int
	l.Each(func(v *ringStub) { seen = append(seen, v.id) })
	assert.Equal(t, []int{1, 2, 3}, seen)

	assert.Equal(t, 1, l.PopFront().id)
	assert.Equal(t, 2, l.PopFront().id)
	assert.Equal(t, 3, l.PopFront().id)
	assert.Nil(t, l.PopFront())
	assert.Equal(t, 0, l.Len())
}

func TestListRemoveMidList(t *testing.T) {
	l := New[ringStub]()
	a := &ringStub{id: 1}
	b := &ringStub{id: 2}
	c := &ringStub{id: 3}
	l.PushBack(&a.link, a)
	l.PushBack(&b.link, b)
	l.PushBack(&c.link, c)

	l.Remove(&b.link)
	require.Equal(t, 2, l.Len())

	var seen []int
	l.Each(func(v *ringStub) { seen = append(seen, v.id) })
	assert.Equal(t, []int{1, 3}, seen)

	// Removing an already-unlinked element is a no-op, not an error.
	l.Remove(&b.link)
	assert.Equal(t, 2, l.Len())
}

func TestListRemoveHeadAndTailIsWellFormedAfterward(t *testing.T) {
	l := New[ringStub]()
	items := make([]*ringStub, 5)
	for i := range items {
		items[i] = &ringStub{id: i}
		l.PushBack(&items[i].link, items[i])
	}

	l.Remove(&items[0].link)
	l.Remove(&items[4].link)

	var seen []int
	l.Each(func(v *ringStub) { seen = append(seen, v.id) })
	assert.Equal(t, []int{1, 2, 3}, seen)
	assert.Equal(t, 3, l.Len())
}

func TestSpliceConcatenatesInOrderAndEmptiesSource(t *testing.T) {
	dst := New[ringStub]()
	src := New[ringStub]()

	a := &ringStub{id: 1}
	b := &ringStub{id: 2}
	dst.PushBack(&a.link, a)
	src.PushBack(&b.link, b)

	Splice(dst, src)

	assert.Equal(t, 0, src.Len())
	require.Equal(t, 2, dst.Len())

	var seen []int
	dst.Each(func(v *ringStub) { seen = append(seen, v.id) })
	assert.Equal(t, []int{1, 2}, seen)
}

func TestSpliceFromEmptySourceIsNoOp(t *testing.T) {
	dst := New[ringStub]()
	a := &ringStub{id: 1}
	dst.PushBack(&a.link, a)
	src := New[ringStub]()

	Splice(dst, src)
	assert.Equal(t, 1, dst.Len())
}
