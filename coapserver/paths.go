// Copyright 2021 The Matrix.org Foundation C.I.C.
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

package coapserver

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// DefaultPathTable maps single-byte CoAP enum paths to the full HTTP
// resource paths a constrained client would otherwise have to spell out
// in Uri-Path options. {placeholder} segments are filled in from the
// CoAP path segments that follow the enum code.
var DefaultPathTable = map[string]string{
	"0": "/status",
	"1": "/devices",
	"2": "/devices/{deviceId}",
	"3": "/devices/{deviceId}/sensors/{sensorId}",
	"4": "/devices/{deviceId}/sensors/{sensorId}/readings",
	"5": "/devices/{deviceId}/actuators/{actuatorId}",
	"6": "/devices/{deviceId}/firmware",
	"7": "/devices/{deviceId}/telemetry",
	"8": "/groups/{groupId}/devices",
	"9": "/groups/{groupId}/broadcast",
}

// DefaultKeyTable is the set of JSON object keys CBORCodec compresses by
// default, covering the fields DefaultPathTable's resources emit.
var DefaultKeyTable = map[string]int{
	"id":          1,
	"type":        2,
	"value":       3,
	"unit":        4,
	"timestamp":   5,
	"device_id":   6,
	"sensor_id":   7,
	"actuator_id": 8,
	"state":       9,
	"battery":     10,
	"rssi":        11,
	"firmware":    12,
	"error":       13,
	"errcode":     14,
	"name":        15,
}

// CoAPPath converts between full HTTP resource paths and the compressed
// single-segment CoAP paths described by a path table, following the
// pattern-matching scheme RFC 8075 leaves to implementations.
type CoAPPath struct {
	pathMappings     map[string]string
	longPathMappings map[string]string
	regexpsToCodes   map[*routeRegexp]string
}

// NewCoAPPath builds a CoAPPath from pathMappings: keys are the CoAP
// enum codes, values are HTTP paths with {placeholder} segments.
func NewCoAPPath(pathMappings map[string]string) (*CoAPPath, error) {
	c := CoAPPath{
		pathMappings:     pathMappings,
		longPathMappings: make(map[string]string),
		regexpsToCodes:   make(map[*routeRegexp]string),
	}
	for k, v := range c.pathMappings {
		if _, ok := c.longPathMappings[v]; ok {
			return nil, fmt.Errorf("coapserver: duplicate long path mapping: %s", v)
		}
		c.longPathMappings[v] = k

		rxp, err := newRouteRegexp(v)
		if err != nil {
			return nil, fmt.Errorf("coapserver: bad path pattern %q: %w", v, err)
		}
		c.regexpsToCodes[rxp] = k
	}
	return &c, nil
}

// NewDefaultCoAPPath builds a CoAPPath using DefaultPathTable.
func NewDefaultCoAPPath() *CoAPPath {
	p, err := NewCoAPPath(DefaultPathTable)
	if err != nil {
		panic("coapserver: default path table has a collision: " + err.Error())
	}
	return p
}

// CoAPPathToHTTPPath expands a CoAP path such as /3/therm01/t1 into its
// full HTTP path, e.g. /devices/therm01/sensors/t1. p is
// returned unchanged if its first segment isn't a known enum code.
func (c *CoAPPath) CoAPPathToHTTPPath(p string) string {
	path := p
	if !strings.HasPrefix(p, "/") {
		path = "/" + p
	}
	segments := strings.Split(path, "/")
	if len(segments) < 2 {
		return p
	}
	pattern := c.pathMappings[segments[1]]
	if pattern == "" {
		return p
	}
	if len(segments) <= 2 {
		return pattern
	}
	httpSegments := strings.Split(pattern, "/")
	coapSegIndex := 2
	for i := range httpSegments {
		if coapSegIndex >= len(segments) {
			break
		}
		if strings.HasPrefix(httpSegments[i], "{") {
			httpSegments[i] = url.PathEscape(segments[coapSegIndex])
			coapSegIndex++
		}
	}
	return strings.Join(httpSegments, "/")
}

// HTTPPathToCoapPath compresses a full HTTP path into its CoAP enum
// path, e.g. /devices/therm01/sensors/t1/readings into /4/therm01/t1. p
// is returned unchanged if it matches no entry in the path table.
func (c *CoAPPath) HTTPPathToCoapPath(p string) string {
	path := p
	if !strings.HasPrefix(p, "/") {
		path = "/" + p
	}
	for r, code := range c.regexpsToCodes {
		if !r.regexp.MatchString(path) {
			continue
		}
		var userParams []string
		matches := r.regexp.FindStringSubmatchIndex(path)
		for i := 2; i < len(matches); i += 2 {
			userParams = append(userParams, path[matches[i]:matches[i+1]])
		}
		suffix := ""
		if len(userParams) > 0 {
			suffix = "/" + strings.Join(userParams, "/")
		}
		return "/" + code + suffix
	}
	return p
}

// ==================================================================
// Path-template regexp compiler, adapted from gorilla/mux's route
// matcher (https://github.com/gorilla/mux/blob/v1.8.0/regexp.go),
// trimmed to the path-only subset this package needs.
// ==================================================================

type routeRegexp struct {
	template string
	regexp   *regexp.Regexp
}

func newRouteRegexp(tpl string) (*routeRegexp, error) {
	idxs, err := braceIndices(tpl)
	if err != nil {
		return nil, err
	}
	defaultPattern := "[^/]+"
	pattern := bytes.NewBufferString("^")
	var end int
	for i := 0; i < len(idxs); i += 2 {
		raw := tpl[end:idxs[i]]
		end = idxs[i+1]
		name := tpl[idxs[i]+1 : end-1]
		if name == "" {
			return nil, fmt.Errorf("coapserver: empty placeholder name in %q", tpl)
		}
		fmt.Fprintf(pattern, "%s(%s)", regexp.QuoteMeta(raw), defaultPattern)
	}
	pattern.WriteString(regexp.QuoteMeta(tpl[end:]))
	pattern.WriteString("[/]?$")

	reg, err := regexp.Compile(pattern.String())
	if err != nil {
		return nil, err
	}
	return &routeRegexp{template: tpl, regexp: reg}, nil
}

func braceIndices(s string) ([]int, error) {
	var level, idx int
	var idxs []int
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '{':
			if level++; level == 1 {
				idx = i
			}
		case '}':
			if level--; level == 0 {
				idxs = append(idxs, idx, i+1)
			} else if level < 0 {
				return nil, fmt.Errorf("coapserver: unbalanced braces in %q", s)
			}
		}
	}
	if level != 0 {
		return nil, fmt.Errorf("coapserver: unbalanced braces in %q", s)
	}
	return idxs, nil
}
