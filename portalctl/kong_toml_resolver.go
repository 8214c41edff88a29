/*
Copyright 2024 Gravitational, Inc.

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

package main

import (
	"io"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/gravitational/trace"
	"github.com/pelletier/go-toml"
)

// KongTOMLResolver resolves flags from a TOML configuration file. A flag
// named "storage-redis-addr" is looked up as redis_addr in the [storage]
// section first and as a top-level storage_redis_addr key second.
func KongTOMLResolver(r io.Reader) (kong.Resolver, error) {
	config, err := toml.LoadReader(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var f kong.ResolverFunc = func(context *kong.Context, parent *kong.Path, flag *kong.Flag) (interface{}, error) {
		name := flag.Name

		var value interface{}
		if section, key, ok := strings.Cut(name, "-"); ok {
			value = config.Get(section + "." + strings.ReplaceAll(key, "-", "_"))
		}
		if value == nil {
			value = config.Get(strings.ReplaceAll(name, "-", "_"))
		}

		// Arrays are handed to kong the way they would be typed on the command line.
		if list, ok := value.([]interface{}); ok {
			items := make([]string, 0, len(list))
			for _, item := range list {
				s, ok := item.(string)
				if !ok {
					return nil, trace.BadParameter("%v must be a list of strings", name)
				}
				items = append(items, s)
			}
			return strings.Join(items, ","), nil
		}
		return value, nil
	}

	return f, nil
}
