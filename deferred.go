/*
Copyright © 2024 the nacordex authors.
This file is part of nacordex.

nacordex is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

nacordex is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with nacordex.  If not, see <http://www.gnu.org/licenses/>.
*/

package nacordex

import "context"

// Deferred is a computation that has been described but not run.
// Building a Deferred performs no I/O; Compute runs it.
type Deferred[T any] struct {
	compute func(context.Context) (T, error)
}

// Defer returns a Deferred that runs f when computed.
func Defer[T any](f func(context.Context) (T, error)) Deferred[T] {
	return Deferred[T]{compute: f}
}

// Compute runs the computation. It may block on storage or cluster reads.
func (d Deferred[T]) Compute(ctx context.Context) (T, error) {
	return d.compute(ctx)
}
