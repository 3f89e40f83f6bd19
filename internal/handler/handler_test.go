package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-voucher/internal/domain/auth"
	"github.com/xenking/kart-voucher/internal/domain/voucher"
	"github.com/xenking/kart-voucher/pkg/httpmiddleware"
)

var testPepper = []byte("test-pepper")

const (
	keyClient = "client-key"
	keyRedeem = "redeem-key"
	keyAdmin  = "admin-key"
)

// --- Mock implementations ---

type mockAPIKeyRepo struct {
	byHash map[string]*auth.APIKeyInfo
	err    error
}

func newMockAPIKeyRepo() *mockAPIKeyRepo {
	m := &mockAPIKeyRepo{byHash: map[string]*auth.APIKeyInfo{}}
	m.add("k1", keyClient)
	m.add("k2", keyRedeem, auth.ScopeRedeemVoucher)
	m.add("k3", keyAdmin, auth.ScopeManageVouchers)
	return m
}

func (m *mockAPIKeyRepo) add(id, key string, scopes ...string) {
	hash := auth.HashKey(testPepper, key)
	m.byHash[hash] = &auth.APIKeyInfo{ID: id, KeyHash: hash, Name: id, Scopes: scopes}
}

func (m *mockAPIKeyRepo) FindByHash(_ context.Context, hash string) (*auth.APIKeyInfo, error) {
	if m.err != nil {
		return nil, m.err
	}
	info, ok := m.byHash[hash]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return info, nil
}

type mockVouchers struct {
	preview    func(code string, order voucher.OrderContext) (*voucher.Preview, error)
	applicable func(order voucher.OrderContext) ([]voucher.Voucher, error)
	commit     func(voucherID, userID string) error
	create     func(def voucher.Definition) (*voucher.Voucher, error)
	update     func(id string, def voucher.Definition) (*voucher.Voucher, error)
	setEnabled func(id string, enabled bool) (*voucher.Voucher, error)
	del        func(id string) error
	get        func(id string) (*voucher.Voucher, error)
}

func (m *mockVouchers) PreviewApply(_ context.Context, code string, order voucher.OrderContext) (*voucher.Preview, error) {
	return m.preview(code, order)
}

func (m *mockVouchers) FindApplicable(_ context.Context, order voucher.OrderContext) ([]voucher.Voucher, error) {
	return m.applicable(order)
}

func (m *mockVouchers) CommitRedemption(_ context.Context, voucherID, userID string) error {
	return m.commit(voucherID, userID)
}

func (m *mockVouchers) CreateVoucher(_ context.Context, def voucher.Definition) (*voucher.Voucher, error) {
	return m.create(def)
}

func (m *mockVouchers) UpdateVoucher(_ context.Context, id string, def voucher.Definition) (*voucher.Voucher, error) {
	return m.update(id, def)
}

func (m *mockVouchers) SetEnabled(_ context.Context, id string, enabled bool) (*voucher.Voucher, error) {
	return m.setEnabled(id, enabled)
}

func (m *mockVouchers) DeleteVoucher(_ context.Context, id string) error {
	return m.del(id)
}

func (m *mockVouchers) GetVoucher(_ context.Context, id string) (*voucher.Voucher, error) {
	return m.get(id)
}

// --- Helpers ---

func testVoucher() *voucher.Voucher {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &voucher.Voucher{
		ID:                "v1",
		Code:              "SAVE10",
		Kind:              voucher.KindPercentage,
		Value:             decimal.NewFromInt(10),
		MinimumOrderValue: decimal.NewFromInt(200000),
		ValidFrom:         ts,
		ValidUntil:        ts.AddDate(1, 0, 0),
		UsageLimit:        10,
		UsedCount:         3,
		RedeemedBy:        []string{"u9"},
		Audience:          voucher.Audience{AllUsers: true},
		Enabled:           true,
		CreatedAt:         ts,
		UpdatedAt:         ts,
	}
}

func newTestServer(t *testing.T, vs Vouchers, cfg Config) http.Handler {
	t.Helper()
	h := NewHandler(cfg, vs, NewSecurity(newMockAPIKeyRepo(), testPepper))
	probe := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }
	return NewRouter(h, probe, probe)
}

func do(t *testing.T, srv http.Handler, method, path, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set(APIKeyHeader, key)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

// fields decodes a flat JSON object body into raw values keyed by name.
func fields(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := jx.DecodeBytes(rec.Body.Bytes()).Obj(func(d *jx.Decoder, key string) error {
		raw, err := d.Raw()
		if err != nil {
			return err
		}
		out[key] = strings.Trim(raw.String(), `"`)
		return nil
	})
	require.NoError(t, err, rec.Body.String())
	return out
}

// --- Security ---

func TestSecurity(t *testing.T) {
	vs := &mockVouchers{
		get: func(string) (*voucher.Voucher, error) { return testVoucher(), nil },
	}
	srv := newTestServer(t, vs, Config{})

	tests := []struct {
		name string
		key  string
		want int
	}{
		{"missing key", "", http.StatusUnauthorized},
		{"unknown key", "nope", http.StatusUnauthorized},
		{"missing scope", keyClient, http.StatusForbidden},
		{"admin scope", keyAdmin, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv, http.MethodGet, "/api/admin/vouchers/v1", tt.key, "")
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestSecurity_StoreFailure(t *testing.T) {
	repo := newMockAPIKeyRepo()
	repo.err = errors.New("db down")
	h := NewHandler(Config{}, &mockVouchers{}, NewSecurity(repo, testPepper))
	probe := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }
	srv := NewRouter(h, probe, probe)

	rec := do(t, srv, http.MethodPost, "/api/vouchers/preview", keyClient, `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// --- Preview ---

func TestPreview(t *testing.T) {
	var gotCode string
	var gotOrder voucher.OrderContext
	vs := &mockVouchers{
		preview: func(code string, order voucher.OrderContext) (*voucher.Preview, error) {
			gotCode, gotOrder = code, order
			return &voucher.Preview{
				VoucherID: "v1",
				Code:      "SAVE10",
				Outcome: voucher.Outcome{
					DiscountAmount: decimal.NewFromInt(50000),
					FinalAmount:    decimal.NewFromInt(450000),
				},
			}, nil
		},
	}
	srv := newTestServer(t, vs, Config{})

	rec := do(t, srv, http.MethodPost, "/api/vouchers/preview", keyClient,
		`{"code":"SAVE10","userId":"u1","subtotal":"500000","productIds":["P1","P2"],"extra":1}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got := fields(t, rec)
	assert.Equal(t, "v1", got["voucherId"])
	assert.Equal(t, "SAVE10", got["code"])
	assert.Equal(t, "50000", got["discountAmount"])
	assert.Equal(t, "450000", got["finalAmount"])

	assert.Equal(t, "SAVE10", gotCode)
	assert.Equal(t, "u1", gotOrder.UserID)
	assert.True(t, decimal.NewFromInt(500000).Equal(gotOrder.Subtotal))
	assert.Equal(t, []string{"P1", "P2"}, gotOrder.ProductIDs)
}

func TestPreview_BadRequest(t *testing.T) {
	vs := &mockVouchers{
		preview: func(string, voucher.OrderContext) (*voucher.Preview, error) {
			t.Fatal("service must not be called")
			return nil, nil
		},
	}
	srv := newTestServer(t, vs, Config{})

	tests := []struct {
		name string
		body string
	}{
		{"empty body", ``},
		{"not an object", `[1]`},
		{"missing code", `{"subtotal":100}`},
		{"missing subtotal", `{"code":"SAVE10"}`},
		{"negative subtotal", `{"code":"SAVE10","subtotal":-1}`},
		{"bad subtotal", `{"code":"SAVE10","subtotal":"abc"}`},
		{"bad product ids", `{"code":"SAVE10","subtotal":1,"productIds":"P1"}`},
		{"huge exponent", `{"code":"X","subtotal":1e50000000}`},
		{"huge exponent string", `{"code":"X","subtotal":"1e50000000"}`},
		{"sub-cent subtotal", `{"code":"X","subtotal":0.001}`},
		{"too many digits", `{"code":"X","subtotal":1000000000000}`},
		{"long number", `{"code":"X","subtotal":"0.0000000000000000000000000000000001"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv, http.MethodPost, "/api/vouchers/preview", keyClient, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestPreview_Rejected(t *testing.T) {
	vs := &mockVouchers{
		preview: func(string, voucher.OrderContext) (*voucher.Preview, error) {
			return nil, &voucher.Rejection{Reason: voucher.ReasonBelowMinimum}
		},
	}
	srv := newTestServer(t, vs, Config{})

	rec := do(t, srv, http.MethodPost, "/api/vouchers/preview", keyClient,
		`{"code":"SAVE10","userId":"u1","subtotal":100}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	got := fields(t, rec)
	assert.Equal(t, "below_minimum", got["reason"])
	assert.NotContains(t, got, "cause")
}

func TestPreview_Throttled(t *testing.T) {
	vs := &mockVouchers{
		preview: func(string, voucher.OrderContext) (*voucher.Preview, error) {
			return &voucher.Preview{VoucherID: "v1", Code: "SAVE10"}, nil
		},
	}
	srv := newTestServer(t, vs, Config{PreviewLimiter: httpmiddleware.NewLimiter(2, time.Minute)})

	body := `{"code":"SAVE10","userId":"u1","subtotal":100}`
	for range 2 {
		rec := do(t, srv, http.MethodPost, "/api/vouchers/preview", keyClient, body)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := do(t, srv, http.MethodPost, "/api/vouchers/preview", keyClient, body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Another user has its own budget.
	rec = do(t, srv, http.MethodPost, "/api/vouchers/preview", keyClient,
		`{"code":"SAVE10","userId":"u2","subtotal":100}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// --- Applicable ---

func TestApplicable(t *testing.T) {
	vs := &mockVouchers{
		applicable: func(order voucher.OrderContext) ([]voucher.Voucher, error) {
			assert.Equal(t, "u1", order.UserID)
			return []voucher.Voucher{*testVoucher()}, nil
		},
	}
	srv := newTestServer(t, vs, Config{})

	rec := do(t, srv, http.MethodPost, "/api/vouchers/applicable", keyClient,
		`{"userId":"u1","subtotal":500000}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var codes []string
	err := jx.DecodeBytes(rec.Body.Bytes()).Obj(func(d *jx.Decoder, key string) error {
		if key != "vouchers" {
			return d.Skip()
		}
		return d.Arr(func(d *jx.Decoder) error {
			return d.Obj(func(d *jx.Decoder, key string) error {
				switch key {
				case "code":
					s, err := d.Str()
					codes = append(codes, s)
					return err
				case "redeemedBy":
					t.Error("redeemedBy must not be exposed")
				}
				return d.Skip()
			})
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"SAVE10"}, codes)
}

func TestApplicable_Empty(t *testing.T) {
	vs := &mockVouchers{
		applicable: func(voucher.OrderContext) ([]voucher.Voucher, error) { return nil, nil },
	}
	srv := newTestServer(t, vs, Config{})

	rec := do(t, srv, http.MethodPost, "/api/vouchers/applicable", keyClient, `{"subtotal":1}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"vouchers":[]}`, rec.Body.String())
}

func TestApplicable_BadRequest(t *testing.T) {
	vs := &mockVouchers{
		applicable: func(voucher.OrderContext) ([]voucher.Voucher, error) {
			t.Fatal("service must not be called")
			return nil, nil
		},
	}
	srv := newTestServer(t, vs, Config{})

	for _, body := range []string{
		`{"userId":"u1"}`,
		`{"subtotal":-1}`,
		`{"subtotal":1e50000000}`,
		`{"subtotal":0.001}`,
	} {
		rec := do(t, srv, http.MethodPost, "/api/vouchers/applicable", keyClient, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

// --- Redemption ---

func TestCommitRedemption(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		err        error
		wantStatus int
		wantReason string
		wantCause  string
	}{
		{name: "applied", key: keyRedeem, wantStatus: http.StatusCreated},
		{name: "no scope", key: keyClient, wantStatus: http.StatusForbidden},
		{
			name:       "conflict with cause",
			key:        keyRedeem,
			err:        &voucher.Rejection{Reason: voucher.ReasonCommitConflict, Cause: voucher.ReasonExhaustedLimit},
			wantStatus: http.StatusConflict,
			wantReason: "commit_conflict",
			wantCause:  "exhausted_limit",
		},
		{
			name:       "conflict without cause",
			key:        keyRedeem,
			err:        &voucher.Rejection{Reason: voucher.ReasonCommitConflict},
			wantStatus: http.StatusConflict,
			wantReason: "commit_conflict",
		},
		{
			name:       "infrastructure failure",
			key:        keyRedeem,
			err:        errors.New("connection reset"),
			wantStatus: http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vs := &mockVouchers{
				commit: func(voucherID, userID string) error {
					assert.Equal(t, "v1", voucherID)
					assert.Equal(t, "u1", userID)
					return tt.err
				},
			}
			srv := newTestServer(t, vs, Config{})

			rec := do(t, srv, http.MethodPost, "/api/vouchers/v1/redemptions", tt.key, `{"userId":"u1"}`)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantReason == "" {
				return
			}
			got := fields(t, rec)
			assert.Equal(t, tt.wantReason, got["reason"])
			assert.Equal(t, tt.wantCause, got["cause"])
		})
	}
}

// --- Admin ---

func TestCreateVoucher(t *testing.T) {
	var got voucher.Definition
	vs := &mockVouchers{
		create: func(def voucher.Definition) (*voucher.Voucher, error) {
			got = def
			return testVoucher(), nil
		},
	}
	srv := newTestServer(t, vs, Config{})

	rec := do(t, srv, http.MethodPost, "/api/admin/vouchers/", keyAdmin, `{
		"code": "SAVE10",
		"discountKind": "percentage",
		"discountValue": 10,
		"minimumOrderValue": "200000",
		"validFrom": "2026-01-01T00:00:00Z",
		"validUntil": "2027-01-01T00:00:00Z",
		"usageLimit": 10,
		"productScope": ["P1"]
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "/api/admin/vouchers/v1", rec.Header().Get("Location"))

	assert.Equal(t, "SAVE10", got.Code)
	assert.Equal(t, voucher.KindPercentage, got.Kind)
	assert.True(t, decimal.NewFromInt(10).Equal(got.Value))
	assert.Equal(t, 10, got.UsageLimit)
	assert.Equal(t, []string{"P1"}, got.ProductScope)
	assert.True(t, got.Enabled)
	assert.True(t, got.Audience.AllUsers)

	body := fields(t, rec)
	assert.Equal(t, "3", body["usedCount"])
}

func TestCreateVoucher_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"invalid", &voucher.InvalidError{Field: "discountValue", Message: "must be positive"}, http.StatusBadRequest},
		{"unknown products", &voucher.UnknownProductsError{IDs: []string{"P9"}}, http.StatusBadRequest},
		{"duplicate code", voucher.ErrCodeConflict, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vs := &mockVouchers{
				create: func(voucher.Definition) (*voucher.Voucher, error) { return nil, tt.err },
			}
			srv := newTestServer(t, vs, Config{})

			rec := do(t, srv, http.MethodPost, "/api/admin/vouchers/", keyAdmin, `{"code":"X"}`)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}
}

func TestCreateVoucher_BadAmount(t *testing.T) {
	vs := &mockVouchers{
		create: func(voucher.Definition) (*voucher.Voucher, error) {
			t.Fatal("service must not be called")
			return nil, nil
		},
	}
	srv := newTestServer(t, vs, Config{})

	for _, body := range []string{
		`{"code":"X","discountValue":1e50000000}`,
		`{"code":"X","discountValue":0.001}`,
		`{"code":"X","discountValue":12.345}`,
		`{"code":"X","minimumOrderValue":"1e13"}`,
	} {
		rec := do(t, srv, http.MethodPost, "/api/admin/vouchers/", keyAdmin, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestAdminVoucherLifecycle(t *testing.T) {
	v := testVoucher()
	vs := &mockVouchers{
		get: func(id string) (*voucher.Voucher, error) {
			if id != v.ID {
				return nil, voucher.ErrNotFound
			}
			return v, nil
		},
		update: func(id string, def voucher.Definition) (*voucher.Voucher, error) {
			if def.UsageLimit < v.UsedCount {
				return nil, errors.Wrap(voucher.ErrLimitBelowUsage, "update")
			}
			v.UsageLimit = def.UsageLimit
			return v, nil
		},
		setEnabled: func(_ string, enabled bool) (*voucher.Voucher, error) {
			v.Enabled = enabled
			return v, nil
		},
		del: func(id string) error {
			if id != v.ID {
				return voucher.ErrNotFound
			}
			return nil
		},
	}
	srv := newTestServer(t, vs, Config{})

	rec := do(t, srv, http.MethodGet, "/api/admin/vouchers/missing", keyAdmin, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, http.MethodPut, "/api/admin/vouchers/v1", keyAdmin, `{"usageLimit":20}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "20", fields(t, rec)["usageLimit"])

	rec = do(t, srv, http.MethodPut, "/api/admin/vouchers/v1", keyAdmin, `{"usageLimit":1}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	rec = do(t, srv, http.MethodPost, "/api/admin/vouchers/v1/disable", keyAdmin, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "false", fields(t, rec)["enabled"])

	rec = do(t, srv, http.MethodPost, "/api/admin/vouchers/v1/enable", keyAdmin, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", fields(t, rec)["enabled"])

	rec = do(t, srv, http.MethodDelete, "/api/admin/vouchers/v1", keyAdmin, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, srv, http.MethodDelete, "/api/admin/vouchers/v2", keyAdmin, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_NotFound(t *testing.T) {
	srv := newTestServer(t, &mockVouchers{}, Config{})

	rec := do(t, srv, http.MethodGet, "/api/nope", keyAdmin, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/vouchers/preview", keyAdmin, "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestDecodeDefinition(t *testing.T) {
	def, err := DecodeDefinition(jx.DecodeStr(`{"code":"A","discountKind":"fixed_amount","discountValue":"12.50"}`))
	require.NoError(t, err)
	assert.Equal(t, "A", def.Code)
	assert.True(t, decimal.RequireFromString("12.5").Equal(def.Value))
	assert.True(t, def.Enabled)

	_, err = DecodeDefinition(jx.DecodeStr(`{"code":"A","discountValue":1e50000000}`))
	require.ErrorIs(t, err, voucher.ErrAmountTooLarge)

	_, err = DecodeDefinition(jx.DecodeStr(`{"code":"A","discountValue":0.001}`))
	require.ErrorIs(t, err, voucher.ErrAmountScale)
}
