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

package apiclient

import (
	"net/http"
	"time"

	"github.com/gravitational/trace"
	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Response is a successful response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	RequestID  string
	Duration   time.Duration
}

// Decode unmarshals the whole body into v.
func (r *Response) Decode(v interface{}) error {
	if len(r.Body) == 0 {
		return trace.BadParameter("response body is empty")
	}
	return trace.Wrap(json.Unmarshal(r.Body, v))
}

// Data unmarshals the "data" member of the portal response envelope into v.
// Bodies without an envelope are decoded as a whole.
func (r *Response) Data(v interface{}) error {
	if len(r.Body) == 0 {
		return trace.BadParameter("response body is empty")
	}
	if !gjson.ValidBytes(r.Body) {
		return trace.BadParameter("response body is not valid JSON")
	}
	data := gjson.GetBytes(r.Body, "data")
	if !data.Exists() {
		return r.Decode(v)
	}
	return trace.Wrap(json.UnmarshalFromString(data.Raw, v))
}
