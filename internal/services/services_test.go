package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testClient(attempts uint) *HTTPClient {
	return NewHTTPClient(2*time.Second,
		AllowPrivateHosts(),
		WithRetryPolicy(RetryPolicy{Attempts: attempts, Delay: time.Millisecond, Multiplier: 1.5}))
}

// dropFirst closes the first n connections without a response.
func dropFirst(n int32, next http.HandlerFunc) (http.HandlerFunc, *int32) {
	var calls int32
	return func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= n {
			hj, ok := w.(http.Hijacker)
			if !ok {
				panic("hijack unsupported")
			}
			conn, _, err := hj.Hijack()
			if err == nil {
				conn.Close()
			}
			return
		}
		next(w, r)
	}, &calls
}

func TestLightningAddressURL(t *testing.T) {
	u, err := LightningAddressURL("Alice@Example.com")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/.well-known/lnurlp/alice", u)

	for _, bad := range []string{"alice", "@example.com", "alice@", "alice@exa/mple.com"} {
		_, err := LightningAddressURL(bad)
		require.Error(t, err, bad)
	}
}

func TestFetchPayInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"callback":       "https://example.com/cb",
			"minSendable":    1000,
			"maxSendable":    100000000,
			"metadata":       `[["text/plain","Pay alice"]]`,
			"tag":            "payRequest",
			"commentAllowed": 140,
			"allowsNostr":    true,
			"nostrPubkey":    "ab",
		})
	}))
	defer srv.Close()

	info, raw, err := testClient(3).FetchPayInfo(context.Background(), srv.URL)
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	require.Equal(t, int64(1000), info.MinSendable)
	require.Equal(t, 140, info.CommentAllowed)
	require.True(t, info.AllowsNostr)
	require.Equal(t, "Pay alice", info.Description())
}

func TestFetchPayInfoErrorBodyIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"status":"ERROR","reason":"user not found"}`))
	}))
	defer srv.Close()

	_, _, err := testClient(3).FetchPayInfo(context.Background(), srv.URL)
	require.Error(t, err)
	require.Contains(t, err.Error(), "user not found")
	require.True(t, IsProtocolError(err))
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestNon200IsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient(3).GetJSON(context.Background(), "test", srv.URL, nil)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, http.StatusNotFound, pe.StatusCode)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTransportErrorsAreRetried(t *testing.T) {
	handler, calls := dropFirst(2, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	body, err := testClient(3).GetJSON(context.Background(), "test", srv.URL, nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(body))
	require.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestRetriesAreCapped(t *testing.T) {
	handler, calls := dropFirst(100, nil)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	_, err := testClient(2).GetJSON(context.Background(), "test", srv.URL, nil)
	require.Error(t, err)
	require.False(t, IsProtocolError(err))
	require.Equal(t, int32(2), atomic.LoadInt32(calls))
}

func TestBackoffGrows(t *testing.T) {
	p := RetryPolicy{Attempts: 5, Delay: 100 * time.Millisecond, Multiplier: 1.5}
	require.Equal(t, 100*time.Millisecond, p.backoff(0))
	require.Equal(t, 150*time.Millisecond, p.backoff(1))
	require.Equal(t, 225*time.Millisecond, p.backoff(2))
}

func TestValidateExternalURL(t *testing.T) {
	require.NoError(t, ValidateExternalURL("https://example.com/.well-known/lnurlp/alice"))
	require.Error(t, ValidateExternalURL("http://127.0.0.1:8080/x"))
	require.Error(t, ValidateExternalURL("https://10.1.2.3/x"))
	require.Error(t, ValidateExternalURL("ftp://example.com"))
	require.Error(t, ValidateExternalURL("https://wallet.local/x"))

	_, err := NewHTTPClient(time.Second).GetJSON(context.Background(), "test", "http://127.0.0.1:1/x", nil)
	require.Error(t, err)
}

func TestRequestInvoiceQuery(t *testing.T) {
	queries := make(chan url.Values, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.Query()
		w.Write([]byte(`{"pr":"lnbc1test","verify":"https://example.com/verify/1"}`))
	}))
	defer srv.Close()

	resp, err := testClient(1).RequestInvoice(context.Background(), srv.URL+"/cb?k=v", InvoiceParams{
		AmountMsat: 21000,
		Comment:    "hi",
		ZapRequest: `{"kind":9734}`,
		LNURL:      "LNURL1XYZ",
	})
	require.NoError(t, err)
	require.Equal(t, "lnbc1test", resp.Invoice())
	require.Equal(t, MethodLightning, resp.Method())
	require.Equal(t, "https://example.com/verify/1", resp.Verify)

	got := <-queries
	require.Equal(t, []string{"v"}, got["k"])
	require.Equal(t, []string{"21000"}, got["amount"])
	require.Equal(t, []string{"hi"}, got["comment"])
	require.Equal(t, []string{`{"kind":9734}`}, got["nostr"])
	require.Equal(t, []string{"LNURL1XYZ"}, got["lnurl"])
}

func TestInvoiceParamsOmitOptional(t *testing.T) {
	q := InvoiceParams{AmountMsat: 1000, LNURL: "LNURL1XYZ"}.Values()
	require.Equal(t, "1000", q.Get("amount"))
	require.False(t, q.Has("comment"))
	require.False(t, q.Has("nostr"))
	require.False(t, q.Has("lnurl"))
}

func TestParseCallbackResponse(t *testing.T) {
	resp, err := ParseCallbackResponse([]byte(`{"status":"ok","payment":{"method":"cashu","token":"cashuAbc","expires":1700000000}}`))
	require.NoError(t, err)
	require.Equal(t, MethodCashu, resp.Method())

	resp, err = ParseCallbackResponse([]byte(`{"status":"ok","payment":{"method":"ark","txid":"deadbeef"},"zap_event":{"kind":9734}}`))
	require.NoError(t, err)
	require.Equal(t, MethodArk, resp.Method())
	require.JSONEq(t, `{"kind":9734}`, string(resp.ZapEvent))

	_, err = ParseCallbackResponse([]byte(`{"status":"ok","payment":{"method":"cashu"}}`))
	require.Error(t, err)
	_, err = ParseCallbackResponse([]byte(`{"status":"ok","payment":{"method":"onchain","txid":"x"}}`))
	require.Error(t, err)
	_, err = ParseCallbackResponse([]byte(`{}`))
	require.Error(t, err)
}

func TestCheckStatus(t *testing.T) {
	var paid atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if paid.Load() {
			w.Write([]byte(`{"status":"paid"}`))
			return
		}
		w.Write([]byte(`{"status":"pending"}`))
	}))
	defer srv.Close()

	c := testClient(3)
	status, err := c.CheckStatus(context.Background(), srv.URL)
	require.NoError(t, err)
	require.False(t, status.Paid())

	paid.Store(true)
	status, err = c.CheckStatus(context.Background(), srv.URL)
	require.NoError(t, err)
	require.True(t, status.Paid())

	require.True(t, (&SettlementStatus{Status: "OK", Settled: true}).Paid())
}
