/* -*- coding: utf-8 -*-
* ------------------------------------------------------------------------------
*
*   Copyright 2018-2019 Fetch.AI Limited
*
*   Licensed under the Apache License, Version 2.0 (the "License");
*   you may not use this file except in compliance with the License.
*   You may obtain a copy of the License at
*
*       http://www.apache.org/licenses/LICENSE-2.0
*
*   Unless required by applicable law or agreed to in writing, software
*   distributed under the License is distributed on an "AS IS" BASIS,
*   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
*   See the License for the specific language governing permissions and
*   limitations under the License.
*
* ------------------------------------------------------------------------------
 */

// Package logfile appends chat history to per-room text files. One file per
// room name under the configured log directory, one event per line, flushed
// per line. Files are never rotated.
package logfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const timeLayout = time.RFC3339

// Writer appends events for a single room. It is owned by one goroutine;
// writes are sequential.
type Writer struct {
	f    *os.File
	room string
}

// Open creates or opens the append-only log for a room under logDir.
func Open(logDir, roomName string) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return nil, errors.Wrap(err, "while creating log dir")
	}
	path := filepath.Join(logDir, fileName(roomName))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "while opening room log")
	}
	return &Writer{f: f, room: roomName}, nil
}

// AppendChat writes a chat line: [rfc3339-utc] nick#disc: text. Messages
// whose timestamp lies outside the accepted clock window carry a (skew)
// marker.
func (w *Writer) AppendChat(ts time.Time, nick, disc, text string, skewed bool) error {
	marker := ""
	if skewed {
		marker = " (skew)"
	}
	line := fmt.Sprintf("[%s]%s %s#%s: %s\n", ts.UTC().Format(timeLayout), marker, nick, disc, text)
	return w.append(line)
}

// AppendSystem writes a system line: [rfc3339-utc] *** event.
func (w *Writer) AppendSystem(ts time.Time, event string) error {
	line := fmt.Sprintf("[%s] *** %s\n", ts.UTC().Format(timeLayout), event)
	return w.append(line)
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	if w == nil || w.f == nil {
		return nil
	}
	return w.f.Close()
}

func (w *Writer) append(line string) error {
	if _, err := w.f.WriteString(line); err != nil {
		return errors.Wrap(err, "while appending to room log")
	}
	// Per-line durability; chat volume is low.
	if err := w.f.Sync(); err != nil {
		return errors.Wrap(err, "while flushing room log")
	}
	return nil
}

// fileName maps a room name onto a safe log file name.
func fileName(roomName string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}
		return r
	}, roomName)
	if sanitized == "" || sanitized == "." || sanitized == ".." {
		sanitized = "_"
	}
	return sanitized + ".log"
}
