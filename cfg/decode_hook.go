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
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// hookFunc parses the custom scalar types (HexMask, Octal, LogSeverity)
// from a bare string, the same shape the teacher uses for its Octal and
// ResolvedPath decode hook.
func hookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		s := data.(string)
		switch t {
		case reflect.TypeOf(Octal(0)):
			return strconv.ParseInt(s, 8, 32)
		case reflect.TypeOf(HexMask(0)):
			var m HexMask
			if err := m.UnmarshalText([]byte(s)); err != nil {
				return nil, err
			}
			return uint64(m), nil
		case reflect.TypeOf(LogSeverity("")):
			level := LogSeverity(strings.ToUpper(s))
			if !isKnownSeverity(level) {
				var l LogSeverity
				return nil, l.UnmarshalText([]byte(s))
			}
			return level, nil
		default:
			return data, nil
		}
	}
}

// DecodeHook composes hookFunc with mapstructure's TextUnmarshaler support
// (which HexMask/Octal/LogSeverity also satisfy) and its default duration
// hook, mirroring the teacher's DecodeHook.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		hookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
	)
}
