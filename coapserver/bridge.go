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
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"

	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
	udpmessage "github.com/plgd-dev/go-coap/v2/udp/message"
	"github.com/plgd-dev/go-coap/v2/udp/message/pool"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/coap-dtls/gateway/gateway"
)

// OptionIDAccessToken is a private CoAP option used to carry a bearer
// token alongside the request, avoiding the overhead of an HTTP-style
// Authorization header on every constrained request.
var OptionIDAccessToken = message.OptionID(2048)

var methodCodes = map[codes.Code]string{
	codes.GET:    http.MethodGet,
	codes.POST:   http.MethodPost,
	codes.PUT:    http.MethodPut,
	codes.DELETE: http.MethodDelete,
}

// statusCodes follows the CoAP<->HTTP status mapping table in RFC 8075
// section 7.
var statusCodes = map[int]codes.Code{
	http.StatusOK:                    codes.Content,
	http.StatusCreated:               codes.Created,
	http.StatusNoContent:             codes.Deleted,
	http.StatusBadRequest:            codes.BadRequest,
	http.StatusUnauthorized:          codes.Unauthorized,
	http.StatusForbidden:             codes.Forbidden,
	http.StatusNotFound:              codes.NotFound,
	http.StatusMethodNotAllowed:      codes.MethodNotAllowed,
	http.StatusNotAcceptable:         codes.NotAcceptable,
	http.StatusPreconditionFailed:    codes.PreconditionFailed,
	http.StatusRequestEntityTooLarge: codes.RequestEntityTooLarge,
	http.StatusUnsupportedMediaType:  codes.UnsupportedMediaType,
	http.StatusInternalServerError:   codes.InternalServerError,
	http.StatusNotImplemented:        codes.NotImplemented,
	http.StatusBadGateway:            codes.BadGateway,
	http.StatusServiceUnavailable:    codes.ServiceUnavailable,
	http.StatusGatewayTimeout:        codes.GatewayTimeout,
}

var contentTypeToContentFormat = map[string]message.MediaType{
	"application/json":         message.AppJSON,
	"application/cbor":         message.AppCBOR,
	"application/octet-stream": message.AppOctets,
	"text/plain":               message.TextPlain,
}
var contentFormatToContentType = map[message.MediaType]string{}

func init() {
	for k, v := range contentTypeToContentFormat {
		contentFormatToContentType[v] = k
	}
}

// Bridge is the gateway.Handler that turns one decrypted CoAP request
// datagram into an HTTP request against Next, and Next's response back
// into a CoAP response datagram (RFC 8075). ProcessRequest does not apply
// Codec: request and response bodies pass through without CBOR
// transcoding.
type Bridge struct {
	Next  http.Handler
	Paths *CoAPPath
	Codec *CBORCodec
	Log   logrus.FieldLogger
}

// NewBridge builds a Bridge fronting next with the default path table
// and CBOR codec.
func NewBridge(next http.Handler) *Bridge {
	return &Bridge{
		Next:  next,
		Paths: NewDefaultCoAPPath(),
		Codec: NewDefaultCBORCodec(),
		Log:   logrus.StandardLogger(),
	}
}

// ProcessRequest implements gateway.Handler. It never returns an error
// for an application-level HTTP failure (those become a CoAP error
// response); it only errors if the inbound datagram could not be parsed
// as a CoAP message at all.
func (b *Bridge) ProcessRequest(ctx context.Context, info gateway.ConnectionInfo, payload []byte) ([]byte, error) {
	req := pool.AcquireMessage(ctx)
	defer pool.ReleaseMessage(req)
	if _, err := req.Unmarshal(payload); err != nil {
		return nil, fmt.Errorf("coapserver: unmarshalling request: %w", err)
	}
	generic, err := pool.ConvertTo(req)
	if err != nil {
		return nil, fmt.Errorf("coapserver: converting request: %w", err)
	}

	httpReq := b.toHTTPRequest(generic, info)
	if httpReq == nil {
		return b.errorResponse(ctx, req, codes.BadRequest)
	}

	rec := httptest.NewRecorder()
	b.Next.ServeHTTP(rec, httpReq.WithContext(ctx))

	return b.toCoAPResponse(ctx, req, rec)
}

// toHTTPRequest converts a CoAP request into an *http.Request for Next,
// following the Uri-Path/Uri-Query/Content-Format mapping RFC 8075
// section 6 describes (lossy: CoAP options without an HTTP analogue are
// dropped).
func (b *Bridge) toHTTPRequest(r *message.Message, info gateway.ConnectionInfo) *http.Request {
	method, ok := methodCodes[r.Code]
	if !ok {
		b.log("toHTTPRequest: unsupported method code %v", r.Code)
		return nil
	}
	optPath, err := r.Options.Path()
	if err != nil {
		b.log("toHTTPRequest: missing Uri-Path: %s", err)
		return nil
	}
	if !strings.HasPrefix(optPath, "/") {
		optPath = "/" + optPath
	}
	path := b.Paths.CoAPPathToHTTPPath(optPath)

	queries, err := r.Options.Queries()
	if err != nil && err != message.ErrOptionNotFound {
		b.log("toHTTPRequest: bad Uri-Query: %s", err)
		return nil
	}
	query := make(url.Values)
	for _, qs := range queries {
		kv := strings.SplitN(qs, "=", 2)
		if len(kv) != 2 {
			continue
		}
		query[kv[0]] = append(query[kv[0]], kv[1])
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(r.Body)
		if err != nil {
			b.log("toHTTPRequest: failed reading body: %s", err)
			return nil
		}
	}

	format, cfErr := r.Options.ContentFormat()
	if cfErr == nil && format == message.AppJSON && len(body) > 0 {
		// Constrained devices have no clock worth trusting; stamp the
		// gateway's view of the sending endpoint onto JSON bodies so the
		// backend can correlate readings without re-deriving it from
		// transport state. gjson/sjson touch only the one field instead
		// of paying for a full unmarshal/marshal round trip.
		if gjson.ValidBytes(body) && gjson.ParseBytes(body).IsObject() {
			if stamped, err := sjson.SetBytes(body, "_coapEndpoint", info.Endpoint.String()); err == nil {
				body = stamped
			}
		}
	}

	httpReq, err := http.NewRequest(method, "coap://"+path+"?"+query.Encode(), bytes.NewReader(body))
	if err != nil {
		b.log("toHTTPRequest: failed building request: %s", err)
		return nil
	}
	if cfErr == nil {
		if ct := contentFormatToContentType[format]; ct != "" {
			httpReq.Header.Set("Content-Type", ct)
		}
	}
	if token, err := r.Options.GetString(OptionIDAccessToken); err == nil && token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	if len(info.CID) > 0 {
		httpReq.Header.Set("X-CoAP-Connection-Id", hex.EncodeToString(info.CID))
	}
	httpReq.Header.Set("X-CoAP-Endpoint", info.Endpoint.String())
	return httpReq
}

// toCoAPResponse converts rec (Next's recorded HTTP response) into the
// serialized CoAP response datagram matching req's message ID, token and
// confirmability.
func (b *Bridge) toCoAPResponse(ctx context.Context, req *pool.Message, rec *httptest.ResponseRecorder) ([]byte, error) {
	resp := pool.AcquireMessage(ctx)
	defer pool.ReleaseMessage(resp)

	code, ok := statusCodes[rec.Code]
	if !ok {
		b.log("toCoAPResponse: unmapped HTTP status %d, using InternalServerError", rec.Code)
		code = codes.InternalServerError
	}
	resp.SetCode(code)
	resp.SetToken(req.Token())
	resp.SetMessageID(req.MessageID())
	if req.Type() == udpmessage.Confirmable {
		resp.SetType(udpmessage.Acknowledgement)
	} else {
		resp.SetType(udpmessage.NonConfirmable)
	}

	body := rec.Body.Bytes()
	contentFormat := message.AppOctets
	if ct := rec.Header().Get("Content-Type"); ct != "" {
		if cf, ok := contentTypeToContentFormat[strings.SplitN(ct, ";", 2)[0]]; ok {
			contentFormat = cf
		}
	}
	if len(body) > 0 {
		resp.SetContentFormat(contentFormat)
		resp.SetBody(bytes.NewReader(body))
	}

	return resp.Marshal()
}

func (b *Bridge) errorResponse(ctx context.Context, req *pool.Message, code codes.Code) ([]byte, error) {
	resp := pool.AcquireMessage(ctx)
	defer pool.ReleaseMessage(resp)
	resp.SetCode(code)
	resp.SetToken(req.Token())
	resp.SetMessageID(req.MessageID())
	resp.SetType(udpmessage.Acknowledgement)
	return resp.Marshal()
}

func (b *Bridge) log(format string, v ...interface{}) {
	if b.Log == nil {
		return
	}
	b.Log.Debugf(format, v...)
}
