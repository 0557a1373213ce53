// Copyright 2024 The Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPushPopFIFOOrder(t *testing.T) {
	q := New[int]()
	q.Push(1)
	q.Push(2)
	q.Push(3)

	for _, want := range []int{1, 2, 3} {
		got, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, want, got)
	}
}

func TestPopBlocksUntilPush(t *testing.T) {
	q := New[string]()
	result := make(chan string, 1)
	go func() {
		v, ok := q.Pop()
		require.True(t, ok)
		result <- v
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push("hello")

	select {
	case v := <-result:
		require.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("Pop never returned after Push")
	}
}

func TestCloseWakesBlockedPop(t *testing.T) {
	q := New[int]()
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Pop never woke on Close")
	}
}

func TestCloseStillDrainsQueuedItems(t *testing.T) {
	q := New[int]()
	q.Push(1)
	q.Push(2)
	q.Close()

	v, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, 1, v)

	v, ok = q.Pop()
	require.True(t, ok)
	require.Equal(t, 2, v)

	_, ok = q.Pop()
	require.False(t, ok)
}

func TestPushAfterCloseIsNoop(t *testing.T) {
	q := New[int]()
	q.Close()
	q.Push(1)
	require.Equal(t, 0, q.Len())
}
