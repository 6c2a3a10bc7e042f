package store_test

import (
	"context"
	"testing"
	"time"

	"chatdesk/internal/model"
	"chatdesk/internal/store"
	"chatdesk/internal/store/storetest"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindAccount_ByKind(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	user := storetest.SeedUser(t, s, "Alice@Example.com ", "pw-123456", true)
	storetest.SeedAdmin(t, s, "root@example.com", "pw-123456")

	acct, err := s.FindAccountByEmail(ctx, model.KindUser, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, acct.ID)
	assert.Len(t, acct.ID, 36)

	_, err = s.FindAccountByEmail(ctx, model.KindAdmin, "alice@example.com")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.FindAccountByEmail(ctx, model.PrincipalKind("robot"), "alice@example.com")
	assert.ErrorIs(t, err, store.ErrInvalidKind)

	byID, err := s.FindAccountByID(ctx, model.KindUser, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", byID.Email)
}

func TestCreateUser_DuplicateEmail(t *testing.T) {
	s := storetest.New(t)
	storetest.SeedUser(t, s, "dup@example.com", "pw-123456", false)

	err := s.CreateUser(context.Background(), &model.User{Account: model.Account{
		Email:    "dup@example.com",
		Password: "x",
		Role:     "user",
	}})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestReplaceCode_KeepsOnePerPurpose(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	user := storetest.SeedUser(t, s, "a@b.com", "pw-123456", false)

	issue := func(hash string, purpose model.CodePurpose) {
		t.Helper()
		require.NoError(t, s.ReplaceCode(ctx, &model.VerificationCode{
			PrincipalKind: model.KindUser,
			PrincipalID:   user.ID,
			Purpose:       purpose,
			CodeHash:      hash,
			ExpiresAt:     time.Now().Add(time.Minute),
		}))
	}
	issue("first", model.PurposeSignup)
	issue("second", model.PurposeSignup)
	issue("reset", model.PurposeReset)

	signup, err := s.FindCode(ctx, model.KindUser, user.ID, model.PurposeSignup)
	require.NoError(t, err)
	assert.Equal(t, "second", signup.CodeHash)

	reset, err := s.FindCode(ctx, model.KindUser, user.ID, model.PurposeReset)
	require.NoError(t, err)
	assert.Equal(t, "reset", reset.CodeHash)
}

func TestAttemptsAndConsume(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	user := storetest.SeedUser(t, s, "a@b.com", "pw-123456", false)

	code := &model.VerificationCode{
		PrincipalKind: model.KindUser,
		PrincipalID:   user.ID,
		Purpose:       model.PurposeSignup,
		CodeHash:      "h",
		ExpiresAt:     time.Now().Add(time.Minute),
	}
	require.NoError(t, s.ReplaceCode(ctx, code))

	n, err := s.IncrementAttempts(ctx, code.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.IncrementAttempts(ctx, code.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.ConsumeCode(ctx, code, map[string]interface{}{"is_verified": true}))

	acct, err := s.FindAccountByID(ctx, model.KindUser, user.ID)
	require.NoError(t, err)
	assert.True(t, acct.IsVerified)

	_, err = s.FindCode(ctx, model.KindUser, user.ID, model.PurposeSignup)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// 重复消费
	assert.ErrorIs(t, s.ConsumeCode(ctx, code, nil), store.ErrNotFound)
}

func TestCreateAccount_InactiveIsPersisted(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	user := &model.User{Account: model.Account{
		Email:    "off@example.com",
		Password: "x",
		Role:     string(model.KindUser),
		IsActive: false,
	}}
	require.NoError(t, s.CreateUser(ctx, user))

	acct, err := s.FindAccountByEmail(ctx, model.KindUser, "off@example.com")
	require.NoError(t, err)
	assert.False(t, acct.IsActive)
}

func TestListPlans_AscendingPrice(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	for _, p := range []model.Plan{
		{Slug: "pro", Name: "Pro", Price: decimal.RequireFromString("49.00"), Features: []string{"gpt"}, IsActive: true},
		{Slug: "free", Name: "Free", Price: decimal.Zero, IsActive: true},
		{Slug: "starter", Name: "Starter", Price: decimal.RequireFromString("9.99"), IsActive: true},
		{Slug: "legacy", Name: "Legacy", Price: decimal.RequireFromString("5.00"), IsActive: false},
	} {
		plan := p
		require.NoError(t, s.UpsertPlan(ctx, &plan))
	}

	// 再次写入同一 slug 只更新
	again := model.Plan{Slug: "pro", Name: "Pro+", Price: decimal.RequireFromString("59.00"), IsActive: true}
	require.NoError(t, s.UpsertPlan(ctx, &again))

	plans, err := s.ListPlans(ctx)
	require.NoError(t, err)
	require.Len(t, plans, 3)
	assert.Equal(t, []string{"free", "starter", "pro"}, []string{plans[0].Slug, plans[1].Slug, plans[2].Slug})
	assert.Equal(t, "Pro+", plans[2].Name)
	assert.True(t, plans[2].Price.Equal(decimal.RequireFromString("59")))
}

func TestUpdateAccount_NotFound(t *testing.T) {
	s := storetest.New(t)
	err := s.UpdateAccount(context.Background(), model.KindUser, "missing", map[string]interface{}{"username": "x"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
