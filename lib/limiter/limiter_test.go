/*
Copyright 2024 NetCockpit, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package limiter

import (
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestAllowWithinBurst(t *testing.T) {
	l, err := New(Config{Rate: 1, Burst: 3})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow("10.0.0.1"))
	}
	err = l.Allow("10.0.0.1")
	require.True(t, trace.IsLimitExceeded(err))

	// a different client has its own bucket
	require.NoError(t, l.Allow("10.0.0.2"))
}

func TestIdleBucketsAreEvicted(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l, err := New(Config{Rate: 1, Burst: 1, IdleTimeout: time.Minute, Clock: clock})
	require.NoError(t, err)

	require.NoError(t, l.Allow("10.0.0.1"))
	require.NoError(t, l.Allow("10.0.0.2"))
	require.Equal(t, 2, l.Size())

	// both clients go quiet past the idle timeout; the next request sweeps
	clock.Advance(3 * time.Minute)
	require.NoError(t, l.Allow("10.0.0.3"))
	require.Equal(t, 1, l.Size())
}
