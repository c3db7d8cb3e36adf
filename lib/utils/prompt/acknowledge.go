/*
 * WeiboHarvest
 * Copyright (C) 2025  WeiboHarvest authors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package prompt implements CLI prompts to the user.
package prompt

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/gravitational/trace"
)

// Acknowledge writes question to out and blocks until the user presses
// Enter on in, the context is canceled, or in reaches EOF. It returns nil
// only when the user acknowledged.
func Acknowledge(ctx context.Context, out io.Writer, in io.Reader, question string) error {
	fmt.Fprintf(out, "%s\n", question)

	done := make(chan error, 1)
	go func() {
		scan := bufio.NewScanner(in)
		if !scan.Scan() {
			if err := scan.Err(); err != nil {
				done <- trace.Wrap(err)
				return
			}
			done <- trace.BadParameter("input closed before acknowledgement")
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		return trace.Wrap(err)
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}
