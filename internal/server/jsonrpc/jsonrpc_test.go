package jsonrpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDispatchRoutesToRegisteredHandler(t *testing.T) {
	d := NewDispatcher()
	d.Register("ping", func(req Request) (any, *Error) {
		return "pong", nil
	})

	resp := d.Dispatch(Request{JSONRPC: Version, Method: "ping", ID: json.RawMessage(`1`)})
	require.Nil(t, resp.Error)
	require.Equal(t, "pong", resp.Result)
}

func TestDispatchUnknownMethodReturnsMethodNotFound(t *testing.T) {
	d := NewDispatcher()
	resp := d.Dispatch(Request{JSONRPC: Version, Method: "nope", ID: json.RawMessage(`1`)})
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestIsNotificationRequiresAbsentID(t *testing.T) {
	require.True(t, Request{Method: "x"}.IsNotification())
	require.False(t, Request{Method: "x", ID: json.RawMessage(`1`)}.IsNotification())
}

func TestServeHTTPWritesResponseForRequestWithID(t *testing.T) {
	d := NewDispatcher()
	d.Register("echo", func(req Request) (any, *Error) {
		var s string
		_ = json.Unmarshal(req.Params, &s)
		return s, nil
	})

	body := `{"jsonrpc":"2.0","method":"echo","params":"hi","id":1}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/rpc", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "hi", resp.Result)
}

func TestServeHTTPNotificationGetsEmptyOKBody(t *testing.T) {
	d := NewDispatcher()
	called := false
	d.Register("fire", func(req Request) (any, *Error) {
		called = true
		return nil, nil
	})

	body := `{"jsonrpc":"2.0","method":"fire"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/rpc", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Body.Bytes())
	require.True(t, called)
}

func TestServeHTTPParseErrorReturnsParseErrorCode(t *testing.T) {
	d := NewDispatcher()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/rpc", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeParseError, resp.Error.Code)
}

func TestStatusForErrorMapsCodesToHTTPStatus(t *testing.T) {
	require.Equal(t, http.StatusOK, StatusForError(nil))
	require.Equal(t, http.StatusBadRequest, StatusForError(&Error{Code: CodeParseError}))
	require.Equal(t, http.StatusBadRequest, StatusForError(&Error{Code: CodeInvalidRequest}))
	require.Equal(t, http.StatusBadRequest, StatusForError(&Error{Code: CodeInvalidParams}))
	require.Equal(t, http.StatusNotFound, StatusForError(&Error{Code: CodeMethodNotFound}))
	require.Equal(t, http.StatusUnauthorized, StatusForError(&Error{Code: CodeUnauthorized}))
	require.Equal(t, http.StatusInternalServerError, StatusForError(&Error{Code: CodeInternalError}))
}
