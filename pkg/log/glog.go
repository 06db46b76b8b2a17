// Copyright 2018 Google LLC
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

package log

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog.
type GoogleEmitter struct {
	*Writer
}

// levelChar is the leading character of a glog header.
var levelChar = map[Level]byte{
	Warning: 'W',
	Info:    'I',
	Debug:   'D',
}

// pid is the space-padded thread id column. glog pads it to 7.
var pid = fmt.Sprintf("%7d", os.Getpid())

// caller returns "file:line" for the frame depth above its caller.
func caller(depth int) string {
	_, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		return "???:0"
	}
	if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
		file = file[slash+1:]
	}
	return fmt.Sprintf("%s:%d", file, line)
}

// Emit emits the message, google-style.
//
// Log lines have this form:
//
//	Lmmdd hh:mm:ss.uuuuuu threadid file:line] msg...
//
// where L is the level (D, I or W) and threadid is the process id. The
// format string is embedded in the header and expanded by the Writer, so
// escaping is unaffected.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	var b strings.Builder
	b.Grow(len(format) + 64)
	b.WriteByte(levelChar[level])
	b.WriteString(timestamp.Format("0102 15:04:05.000000"))
	b.WriteByte(' ')
	b.WriteString(pid)
	b.WriteByte(' ')
	b.WriteString(caller(depth + 1))
	b.WriteString("] ")
	b.WriteString(format)
	b.WriteByte('\n')
	g.Writer.Emit(depth+1, level, timestamp, b.String(), args...)
}
