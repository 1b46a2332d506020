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

import "errors"

var (
	// ErrLookup is returned when a requested variable, member or dataset
	// does not exist.
	ErrLookup = errors.New("nacordex: not found")

	// ErrNoValidData is returned when a field has no time step on which
	// every grid cell is finite.
	ErrNoValidData = errors.New("nacordex: no valid data")

	// ErrInsufficientMembers is returned when fewer ensemble members exist
	// than were requested.
	ErrInsufficientMembers = errors.New("nacordex: insufficient ensemble members")

	// ErrInvalidArgument is returned for out-of-range arguments.
	ErrInvalidArgument = errors.New("nacordex: invalid argument")
)
