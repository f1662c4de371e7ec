// Copyright 2019 PayPal Inc.
//
// Licensed to the Apache Software Foundation (ASF) under one or more
// contributor license agreements.  See the NOTICE file distributed with
// this work for additional information regarding copyright ownership.
// The ASF licenses this file to You under the Apache License, Version 2.0
// (the "License"); you may not use this file except in compliance with
// the License.  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue contains the ring buffer queue shared by the pool free list and the result batching buffer
package queue

// Queue is interface for a queue implementation
type Queue[T comparable] interface {
	// Len function tells how many elements are in the queue
	Len() int
	// Push adds an element to the queue, at the end
	Push(el T) bool
	// PushFront adds an element to the queue, at the front - basically making this a stack
	PushFront(el T) bool
	// Poll pops an element from the front of the queue
	Poll() (T, bool)
	// Peek returns the front element without removing it
	Peek() (T, bool)
	// Remove removes the element having the given value
	Remove(el T) bool
	// Contains tells if the element is in the queue
	Contains(el T) bool
	// ForEach walks the list from the front, stopping when f returns false
	ForEach(f func(T) bool)
	// ForEachRemove walks the entire list removing elements satisfying the condition
	ForEachRemove(f func(T) bool) int
	// Drain removes all the elements, returning them in queue order
	Drain() []T
}

// ringQueue implements Queue using internally a ring buffer.
// Note: this queue has distinct elements, it doesn't allow adding a duplicate entry
type ringQueue[T comparable] struct {
	data                 []T
	head, tail, capacity int
	// idmap helps to efficiently check if an element is in the list, so that Push/PushFront will not add a duplicate
	idmap map[T]bool
}

// NewQueue creates a queue
func NewQueue[T comparable]() Queue[T] {
	capacity := 128
	return &ringQueue[T]{data: make([]T, capacity), capacity: capacity, idmap: make(map[T]bool)}
}

func (q *ringQueue[T]) Len() int {
	if q.tail >= q.head {
		return q.tail - q.head
	}
	return q.tail - q.head + q.capacity
}

func (q *ringQueue[T]) double() {
	data := q.data
	capacity := q.capacity
	q.capacity *= 2
	q.data = make([]T, q.capacity)
	idxs := q.head
	idxd := 0
	for idxs != q.tail {
		q.data[idxd] = data[idxs]
		idxd = idxd + 1
		idxs = (idxs + 1) % capacity
	}
	q.head = 0
	q.tail = idxd
}

func (q *ringQueue[T]) Push(el T) bool {
	if q.idmap[el] {
		return false
	}
	q.idmap[el] = true
	if q.Len()+1 == q.capacity {
		q.double()
	}
	q.data[q.tail] = el
	q.tail = q.incr(q.tail)
	return true
}

func (q *ringQueue[T]) PushFront(el T) bool {
	if q.idmap[el] {
		return false
	}
	q.idmap[el] = true
	if q.Len()+1 == q.capacity {
		q.double()
	}
	q.head = q.decr(q.head)
	q.data[q.head] = el
	return true
}

func (q *ringQueue[T]) Poll() (T, bool) {
	var zero T
	if q.Len() == 0 {
		return zero, false
	}
	el := q.data[q.head]
	q.data[q.head] = zero
	q.head = q.incr(q.head)
	delete(q.idmap, el)
	return el, true
}

func (q *ringQueue[T]) Peek() (T, bool) {
	if q.Len() == 0 {
		var zero T
		return zero, false
	}
	return q.data[q.head], true
}

func (q *ringQueue[T]) Contains(el T) bool {
	return q.idmap[el]
}

func (q *ringQueue[T]) decr(pos int) int {
	return ((pos + q.capacity - 1) % q.capacity)
}

func (q *ringQueue[T]) incr(pos int) int {
	return ((pos + 1) % q.capacity)
}

func (q *ringQueue[T]) remove(pos int) {
	var zero T
	delete(q.idmap, q.data[pos])
	next := q.incr(pos)
	for next != q.tail {
		q.data[pos] = q.data[next]
		pos = next
		next = q.incr(next)
	}
	q.data[pos] = zero
	q.tail = q.decr(q.tail)
}

func (q *ringQueue[T]) Remove(el T) bool {
	if !q.idmap[el] {
		return false
	}
	pos := q.head
	for pos != q.tail {
		if el == q.data[pos] {
			q.remove(pos)
			return true
		}
		pos = q.incr(pos)
	}
	return false
}

func (q *ringQueue[T]) ForEach(f func(T) bool) {
	for pos := q.head; pos != q.tail; pos = q.incr(pos) {
		if !f(q.data[pos]) {
			return
		}
	}
}

func (q *ringQueue[T]) ForEachRemove(f func(T) bool) int {
	cnt := 0
	pos := q.head
	for pos != q.tail {
		if f(q.data[pos]) {
			q.remove(pos)
			cnt++
		} else {
			pos = q.incr(pos)
		}
	}
	return cnt
}

func (q *ringQueue[T]) Drain() []T {
	out := make([]T, 0, q.Len())
	for {
		el, ok := q.Poll()
		if !ok {
			return out
		}
		out = append(out, el)
	}
}
