package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const (
	REDIS_KEY_USER_BALANCE = "crash:balance:"
	REDIS_KEY_DEBIT_REF    = "crash:ref:debit:"
	REDIS_KEY_CREDIT_REF   = "crash:ref:credit:"
	REDIS_KEY_REVERSE_REF  = "crash:ref:reverse:"

	// refTTL bounds how long a reference is remembered for idempotency.
	refTTL = 7 * 24 * time.Hour
)

// Balances are integer cents so INCRBY/DECRBY stay exact.
var debitScript = redis.NewScript(`
	local bal = tonumber(redis.call("GET", KEYS[1]) or "0")
	if redis.call("EXISTS", KEYS[3]) == 1 then
		return {0, bal}
	end
	if redis.call("EXISTS", KEYS[2]) == 1 then
		return {1, bal}
	end

	local amount = tonumber(ARGV[1])
	if bal < amount then
		return {0, bal}
	end

	bal = redis.call("DECRBY", KEYS[1], amount)
	redis.call("SET", KEYS[2], ARGV[1], "EX", ARGV[2])
	return {1, bal}
`)

var creditScript = redis.NewScript(`
	if redis.call("EXISTS", KEYS[2]) == 1 then
		return tonumber(redis.call("GET", KEYS[1]) or "0")
	end
	local bal = redis.call("INCRBY", KEYS[1], ARGV[1])
	redis.call("SET", KEYS[2], ARGV[1], "EX", ARGV[2])
	return bal
`)

// A bet that was paid out keeps its stake.
var reverseScript = redis.NewScript(`
	if redis.call("EXISTS", KEYS[3]) == 1 or redis.call("EXISTS", KEYS[4]) == 1 then
		return 0
	end
	redis.call("SET", KEYS[3], "1", "EX", ARGV[1])

	local amount = redis.call("GET", KEYS[2])
	if not amount then
		return 0
	end
	redis.call("INCRBY", KEYS[1], amount)
	return 1
`)

type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	cents, err := r.client.Get(ctx, REDIS_KEY_USER_BALANCE+userID).Int64()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance %s: %w", userID, err)
	}
	return fromCents(cents), nil
}

func (r *Redis) SetBalance(ctx context.Context, userID string, amount decimal.Decimal) error {
	cents, err := toCents(amount)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, REDIS_KEY_USER_BALANCE+userID, cents, 0).Err(); err != nil {
		return fmt.Errorf("set balance %s: %w", userID, err)
	}
	return nil
}

func (r *Redis) Debit(ctx context.Context, userID string, amount decimal.Decimal, ref string) (decimal.Decimal, error) {
	cents, err := toCents(amount)
	if err != nil {
		return decimal.Zero, err
	}

	keys := []string{REDIS_KEY_USER_BALANCE + userID, REDIS_KEY_DEBIT_REF + ref, REDIS_KEY_REVERSE_REF + ref}
	res, err := debitScript.Run(ctx, r.client, keys, cents, int64(refTTL.Seconds())).Int64Slice()
	if err != nil {
		return decimal.Zero, fmt.Errorf("debit %s: %w", userID, err)
	}
	if len(res) != 2 {
		return decimal.Zero, fmt.Errorf("debit %s: unexpected script reply %v", userID, res)
	}

	balance := fromCents(res[1])
	if res[0] == 0 {
		return balance, ErrInsufficientFunds
	}
	return balance, nil
}

func (r *Redis) Credit(ctx context.Context, userID string, amount decimal.Decimal, ref string) (decimal.Decimal, error) {
	cents, err := toCents(amount)
	if err != nil {
		return decimal.Zero, err
	}

	keys := []string{REDIS_KEY_USER_BALANCE + userID, REDIS_KEY_CREDIT_REF + ref}
	bal, err := creditScript.Run(ctx, r.client, keys, cents, int64(refTTL.Seconds())).Int64()
	if err != nil {
		return decimal.Zero, fmt.Errorf("credit %s: %w", userID, err)
	}
	return fromCents(bal), nil
}

func (r *Redis) Reverse(ctx context.Context, userID string, ref string) (bool, error) {
	keys := []string{REDIS_KEY_USER_BALANCE + userID, REDIS_KEY_DEBIT_REF + ref, REDIS_KEY_REVERSE_REF + ref, REDIS_KEY_CREDIT_REF + ref}
	n, err := reverseScript.Run(ctx, r.client, keys, int64(refTTL.Seconds())).Int64()
	if err != nil {
		return false, fmt.Errorf("reverse %s: %w", ref, err)
	}
	return n == 1, nil
}

func (r *Redis) Credited(ctx context.Context, ref string) (decimal.Decimal, bool, error) {
	cents, err := r.client.Get(ctx, REDIS_KEY_CREDIT_REF+ref).Int64()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("credited %s: %w", ref, err)
	}
	return fromCents(cents), true, nil
}
