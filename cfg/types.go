// Copyright 2024 Google Inc. All Rights Reserved.
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

package cfg

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Octal is the datatype for params such as uid/gid-carrying mode bits that
// accept a base-8 value on the command line or in the config file.
type Octal int

func (o *Octal) UnmarshalText(text []byte) error {
	v, err := strconv.ParseInt(string(text), 8, 32)
	if err != nil {
		return err
	}
	*o = Octal(v)
	return nil
}

func (o Octal) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(o), 8)), nil
}

// HexMask is the datatype for the device core-affinity mask (spec.md §6's
// "core mask (hex)"), accepted as a bare hex string with or without a
// leading "0x".
type HexMask uint64

func (m *HexMask) UnmarshalText(text []byte) error {
	s := strings.TrimPrefix(strings.TrimPrefix(string(text), "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return fmt.Errorf("invalid core mask %q: %w", text, err)
	}
	*m = HexMask(v)
	return nil
}

func (m HexMask) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("0x%x", uint64(m))), nil
}

// LogSeverity is the logger's severity ladder (spec.md §6 CLI surface,
// SPEC_FULL.md A.2): TRACE < DEBUG < INFO < WARNING < ERROR.
type LogSeverity string

const (
	TraceLogSeverity   LogSeverity = "TRACE"
	DebugLogSeverity   LogSeverity = "DEBUG"
	InfoLogSeverity    LogSeverity = "INFO"
	WarningLogSeverity LogSeverity = "WARNING"
	ErrorLogSeverity   LogSeverity = "ERROR"
)

var severityRanking = map[LogSeverity]int{
	TraceLogSeverity:   0,
	DebugLogSeverity:   1,
	InfoLogSeverity:    2,
	WarningLogSeverity: 3,
	ErrorLogSeverity:   4,
}

func (l *LogSeverity) UnmarshalText(text []byte) error {
	level := LogSeverity(strings.ToUpper(string(text)))
	if _, ok := severityRanking[level]; !ok {
		return fmt.Errorf("invalid log severity %q: must be one of [TRACE, DEBUG, INFO, WARNING, ERROR]", text)
	}
	*l = level
	return nil
}

// Rank returns the integer representation of the severity, used to decide
// whether a given log record passes the configured threshold. Returns -1
// for an unknown severity, which should not happen past Validate.
func (l LogSeverity) Rank() int {
	if rank, ok := severityRanking[l]; ok {
		return rank
	}
	return -1
}

// AllLogSeverities lists every accepted value, used by ValidateConfig and
// isKnownSeverity.
func AllLogSeverities() []LogSeverity {
	return []LogSeverity{TraceLogSeverity, DebugLogSeverity, InfoLogSeverity, WarningLogSeverity, ErrorLogSeverity}
}

func isKnownSeverity(l LogSeverity) bool {
	return slices.Contains(AllLogSeverities(), l)
}
