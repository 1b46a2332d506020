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

// Package nacordex loads members of the NA-CORDEX regional climate
// ensemble from chunked array storage and renders diagnostic figures
// from them: snapshot maps, maps of temporal statistics and time series
// of spatial statistics with missing-data markers.
package nacordex

// Version gives the version of the software.
const Version = "0.1.0"
