package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicepay-hq/voicepay/pkg/circuitbreaker"
	"github.com/voicepay-hq/voicepay/pkg/dispatcher"
	"github.com/voicepay-hq/voicepay/pkg/executor"
	"github.com/voicepay-hq/voicepay/pkg/index"
	"github.com/voicepay-hq/voicepay/pkg/intent"
	"github.com/voicepay-hq/voicepay/pkg/logger"
	"github.com/voicepay-hq/voicepay/pkg/models"
	"github.com/voicepay-hq/voicepay/pkg/shard"
	"github.com/voicepay-hq/voicepay/pkg/workerauth"
)

const (
	testRecipientWallet = "0x2222222222222222222222222222222222222222"
	testContract        = "0x8888888888888888888888888888888888888888"
	testTokenAddr       = "0x9999999999999999999999999999999999999999"
	testHMACSecret      = "hmac-secret"
	testJWTSecret       = "jwt-secret"
)

// stubParser feeds canned intents into the resolver.
type stubParser struct {
	intent *models.ParsedIntent
}

func (p *stubParser) Parse(context.Context, string) (*models.ParsedIntent, error) {
	out := *p.intent
	return &out, nil
}

// stubSubmitter stands in for the chain client.
type stubSubmitter struct {
	txHash string
	err    error
	calls  int
}

func (s *stubSubmitter) PullPayment(context.Context, common.Address, common.Address, *big.Int, uuid.UUID) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.txHash, nil
}

// noopExecutor satisfies the dispatcher's client dependency; API tests never
// tick the dispatcher.
type noopExecutor struct{}

func (noopExecutor) Dispatch(context.Context, models.DispatchRequest) (*models.DispatchResponse, error) {
	return &models.DispatchResponse{OK: true, TxHash: "0x0"}, nil
}

type apiFixture struct {
	server    *Server
	router    http.Handler
	shards    *shard.Manager
	idx       *index.Store
	parser    *stubParser
	submitter *stubSubmitter
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	dir := t.TempDir()
	log := &logger.EmptyLogger{}

	shards, err := shard.Open(dir, time.Second, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = shards.Close() })

	idx, err := index.Open(dir, time.Second, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	breaker := circuitbreaker.New(false, 0, 0, 0)
	disp := dispatcher.New(shards, idx, noopExecutor{}, breaker, dispatcher.Options{
		Token: testTokenAddr,
	}, log)

	parser := &stubParser{}
	resolver := intent.NewResolver(parser, shards, log)

	submitter := &stubSubmitter{txHash: "0xsent"}
	bridge := executor.NewBridge(submitter, log)

	server := NewServer(Options{
		ListenAddr:      ":0",
		JWTSecret:       testJWTSecret,
		JWTTTL:          time.Hour,
		HMACSecret:      testHMACSecret,
		HMACClockSkew:   5 * time.Minute,
		ContractAddress: testContract,
		TokenAddress:    testTokenAddr,
	}, shards, resolver, disp, bridge, log)

	return &apiFixture{
		server:    server,
		router:    server.Router(),
		shards:    shards,
		idx:       idx,
		parser:    parser,
		submitter: submitter,
	}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAuthFlow(t *testing.T) {
	f := newAPIFixture(t)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	rec := f.do(t, http.MethodPost, "/auth/nonce", "", map[string]string{"address": address})
	require.Equal(t, http.StatusOK, rec.Code)
	nonceBody := decodeBody(t, rec)
	nonce, _ := nonceBody["nonce"].(string)
	message, _ := nonceBody["message"].(string)
	require.NotEmpty(t, nonce)
	require.Contains(t, message, nonce)

	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27

	rec = f.do(t, http.MethodPost, "/auth/verify", "", map[string]string{
		"address":   address,
		"signature": "0x" + hex.EncodeToString(sig),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	verifyBody := decodeBody(t, rec)
	token, _ := verifyBody["token"].(string)
	require.NotEmpty(t, token)
	assert.Equal(t, models.NormalizeAddress(address), verifyBody["address"])

	t.Run("token grants access", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/recipients", token, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("replayed signature rejected", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/auth/verify", "", map[string]string{
			"address":   address,
			"signature": "0x" + hex.EncodeToString(sig),
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("no token is unauthorized", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/recipients", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("garbage token is unauthorized", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/recipients", "not.a.jwt", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

// login returns a bearer token for a fresh random account.
func login(t *testing.T, f *apiFixture) (string, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	rec := f.do(t, http.MethodPost, "/auth/nonce", "", map[string]string{"address": address})
	require.Equal(t, http.StatusOK, rec.Code)
	message, _ := decodeBody(t, rec)["message"].(string)

	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27

	rec = f.do(t, http.MethodPost, "/auth/verify", "", map[string]string{
		"address":   address,
		"signature": "0x" + hex.EncodeToString(sig),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	token, _ := decodeBody(t, rec)["token"].(string)
	require.NotEmpty(t, token)
	return token, models.NormalizeAddress(address)
}

func TestRecipientEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	token, _ := login(t, f)

	rec := f.do(t, http.MethodPost, "/recipients", token, map[string]string{
		"name":   "Alice",
		"wallet": testRecipientWallet,
		"note":   "rent",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	t.Run("duplicate wallet conflicts", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/recipients", token, map[string]string{
			"name":   "Alice Again",
			"wallet": testRecipientWallet,
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "duplicate", decodeBody(t, rec)["code"])
	})

	t.Run("list", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/recipients", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		recipients, _ := body["recipients"].([]interface{})
		assert.Len(t, recipients, 1)
	})

	t.Run("update", func(t *testing.T) {
		rec := f.do(t, http.MethodPut, "/recipients", token, map[string]string{
			"oldWallet": testRecipientWallet,
			"newName":   "Alicia",
		})
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("delete", func(t *testing.T) {
		rec := f.do(t, http.MethodDelete, "/recipients", token, map[string]string{
			"wallet": testRecipientWallet,
		})
		require.Equal(t, http.StatusOK, rec.Code)

		rec = f.do(t, http.MethodDelete, "/recipients", token, map[string]string{
			"wallet": testRecipientWallet,
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestParseIntentEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	token, _ := login(t, f)

	f.parser.intent = &models.ParsedIntent{
		Intent:   models.IntentSendOnce,
		Address:  testRecipientWallet,
		Amount:   decimal.NewFromInt(10),
		Currency: models.CurrencyUSDC,
	}

	rec := f.do(t, http.MethodPost, "/intent/parse-intent", token, map[string]string{
		"text": "send 10 usdc to alice",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "resolved", body["status"])
	assert.NotNil(t, body["parsedIntent"])
}

func TestSetupRecurringEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	token, user := login(t, f)

	rec := f.do(t, http.MethodPost, "/transactions/setup-recurring", token, map[string]interface{}{
		"intent":     string(models.IntentRecurring),
		"address":    testRecipientWallet,
		"amount":     "5",
		"currency":   models.CurrencyUSDC,
		"interval":   string(models.IntervalDaily),
		"start_date": "2025-01-01",
		"times":      3,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, testContract, body["contractAddress"])

	t.Run("listed under recurring", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/transactions/recurring", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		schedules, _ := decodeBody(t, rec)["schedules"].([]interface{})
		require.Len(t, schedules, 1)
	})

	t.Run("mirrored into index", func(t *testing.T) {
		entries, err := f.idx.ListAll()
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, user, entries[0].UserAddress)
	})

	t.Run("cancel removes schedule and index entry", func(t *testing.T) {
		entries, err := f.idx.ListAll()
		require.NoError(t, err)
		require.Len(t, entries, 1)

		rec := f.do(t, http.MethodDelete, "/transactions/recurring", token, map[string]string{
			"scheduleId": entries[0].ScheduleID.String(),
		})
		require.Equal(t, http.StatusOK, rec.Code)

		entries, err = f.idx.ListAll()
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("invalid intent rejected", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/transactions/setup-recurring", token, map[string]interface{}{
			"address": testRecipientWallet,
			"amount":  "-1",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("index write failure surfaces as retryable", func(t *testing.T) {
		require.NoError(t, f.idx.Close())

		rec := f.do(t, http.MethodPost, "/transactions/setup-recurring", token, map[string]interface{}{
			"intent":     string(models.IntentRecurring),
			"address":    testRecipientWallet,
			"amount":     "7",
			"interval":   string(models.IntervalWeekly),
			"start_date": "2025-02-01",
		})
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, false, body["ok"])
		assert.Equal(t, "index_unavailable", body["code"])
		assert.NotNil(t, body["schedule"])

		// The shard record survived; only the index mirror is missing.
		rec = f.do(t, http.MethodGet, "/transactions/recurring", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		schedules, _ := decodeBody(t, rec)["schedules"].([]interface{})
		assert.Len(t, schedules, 1)
	})
}

func TestSetupRecurringStorageFailure(t *testing.T) {
	f := newAPIFixture(t)
	token, _ := login(t, f)
	require.NoError(t, f.shards.Close())

	rec := f.do(t, http.MethodPost, "/transactions/setup-recurring", token, map[string]interface{}{
		"intent":     string(models.IntentRecurring),
		"address":    testRecipientWallet,
		"amount":     "5",
		"interval":   string(models.IntervalDaily),
		"start_date": "2025-01-01",
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal", decodeBody(t, rec)["code"])
}

func TestSendOnceEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	token, _ := login(t, f)

	rec := f.do(t, http.MethodPost, "/transactions/send-once", token, map[string]interface{}{
		"name":    "Alice",
		"address": testRecipientWallet,
		"amount":  "12.5",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "0xsent", body["txHash"])
	assert.Equal(t, 1, f.submitter.calls)

	t.Run("recorded in history", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/transactions", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		transactions, _ := decodeBody(t, rec)["transactions"].([]interface{})
		require.Len(t, transactions, 1)
		tx, _ := transactions[0].(map[string]interface{})
		assert.Equal(t, "completed", tx["status"])
		assert.Equal(t, "0xsent", tx["tx_hash"])
	})

	t.Run("failure surfaces synchronously and is recorded", func(t *testing.T) {
		f.submitter.err = fmt.Errorf("execution reverted: allowance")
		rec := f.do(t, http.MethodPost, "/transactions/send-once", token, map[string]interface{}{
			"address": testRecipientWallet,
			"amount":  "1",
		})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

		rec = f.do(t, http.MethodGet, "/transactions", token, nil)
		transactions, _ := decodeBody(t, rec)["transactions"].([]interface{})
		require.Len(t, transactions, 2)
		tx, _ := transactions[0].(map[string]interface{})
		assert.Equal(t, "failed", tx["status"])
	})
}

func TestProcessRecurringEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	dispatchReq := models.DispatchRequest{
		ScheduleID:  uuid.New().String(),
		UserAddress: "0x1111111111111111111111111111111111111111",
		Recipient:   testRecipientWallet,
		Amount:      "5",
		Token:       testTokenAddr,
		Timestamp:   time.Now().UnixMilli(),
	}
	body, err := json.Marshal(dispatchReq)
	require.NoError(t, err)

	t.Run("signed request executes", func(t *testing.T) {
		ts := time.Now().UnixMilli()
		req := httptest.NewRequest(http.MethodPost, "/transactions/process-recurring", bytes.NewReader(body))
		req.Header.Set(workerauth.HeaderTimestamp, fmt.Sprintf("%d", ts))
		req.Header.Set(workerauth.HeaderSignature, workerauth.Sign([]byte(testHMACSecret), ts, body))
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp models.DispatchResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.OK)
		assert.Equal(t, "0xsent", resp.TxHash)
	})

	t.Run("unsigned request forbidden", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/transactions/process-recurring", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("tampered body forbidden", func(t *testing.T) {
		ts := time.Now().UnixMilli()
		tampered := append([]byte(nil), body...)
		tampered[len(tampered)-2] ^= 0x01
		req := httptest.NewRequest(http.MethodPost, "/transactions/process-recurring", bytes.NewReader(tampered))
		req.Header.Set(workerauth.HeaderTimestamp, fmt.Sprintf("%d", ts))
		req.Header.Set(workerauth.HeaderSignature, workerauth.Sign([]byte(testHMACSecret), ts, body))
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("user token does not open the worker route", func(t *testing.T) {
		token, _ := login(t, f)
		rec := f.do(t, http.MethodPost, "/transactions/process-recurring", token, dispatchReq)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}
