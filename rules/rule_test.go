package rules

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestExprEvaluator tests the ExprEvaluator implementation.
func TestExprEvaluator(t *testing.T) {
	evaluator := NewExprEvaluator()

	tests := []struct {
		name       string
		expression string
		env        map[string]interface{}
		wantResult bool
		wantErr    bool
		errMsg     string
	}{
		{
			name:       "Empty expression is always enabled",
			expression: "",
			env:        nil,
			wantResult: true,
		},
		{
			name:       "Literal true",
			expression: "true",
			env:        map[string]interface{}{},
			wantResult: true,
		},
		{
			name:       "Amount above threshold",
			expression: "amount > 1000",
			env:        map[string]interface{}{"amount": 2500},
			wantResult: true,
		},
		{
			name:       "Amount below threshold",
			expression: "amount > 1000",
			env:        map[string]interface{}{"amount": 200},
			wantResult: false,
		},
		{
			name:       "Float attribute from JSON",
			expression: "amount <= 1000",
			env:        map[string]interface{}{"amount": 999.5},
			wantResult: true,
		},
		{
			name:       "String comparison",
			expression: "payment_type == 'inbound'",
			env:        map[string]interface{}{"payment_type": "inbound"},
			wantResult: true,
		},
		{
			name:       "Non-boolean result",
			expression: "amount + 5",
			env:        map[string]interface{}{"amount": 25},
			wantErr:    true,
			errMsg:     "expression 'amount + 5' did not evaluate to a boolean, got int",
		},
		{
			name:       "Invalid expression",
			expression: "amount >>> 18",
			env:        map[string]interface{}{"amount": 25},
			wantErr:    true,
			errMsg:     "unexpected token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(tt.expression, tt.env)
			if tt.wantErr {
				assert.Error(t, err)
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg)
				}
				assert.False(t, result)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.wantResult, result)
		})
	}

	t.Run("Environment is not modified", func(t *testing.T) {
		ev := NewExprEvaluator()
		ev.AddDerived("amount_eur", func(env map[string]interface{}) interface{} {
			if v, ok := env["amount"].(int); ok {
				return v * 2
			}
			return 0
		})
		env := map[string]interface{}{"amount": 600}
		ok, err := ev.Evaluate("amount_eur > 1000", env)
		assert.NoError(t, err)
		assert.True(t, ok)
		assert.NotContains(t, env, "amount_eur")
	})

	t.Run("Caching works", func(t *testing.T) {
		env := map[string]interface{}{"score": 15}

		result1, err1 := evaluator.Evaluate("score > 10", env)
		assert.NoError(t, err1)
		assert.True(t, result1)

		result2, err2 := evaluator.Evaluate("score > 10", env)
		assert.NoError(t, err2)
		assert.True(t, result2)

		evaluator.mu.RLock()
		_, cached := evaluator.cache["score > 10"]
		evaluator.mu.RUnlock()
		assert.True(t, cached)
	})

	t.Run("Concurrent evaluation", func(t *testing.T) {
		var wg sync.WaitGroup
		numGoroutines := 100
		env := map[string]interface{}{"value": 42}

		wg.Add(numGoroutines)
		for i := 0; i < numGoroutines; i++ {
			go func() {
				defer wg.Done()
				result, err := evaluator.Evaluate("value > 0", env)
				assert.NoError(t, err)
				assert.True(t, result)
			}()
		}
		wg.Wait()
	})
}

func TestExprEvaluator_Validate(t *testing.T) {
	evaluator := NewExprEvaluator()

	assert.NoError(t, evaluator.Validate(""))
	assert.NoError(t, evaluator.Validate("amount > 1000 && payment_type == 'outbound'"))
	assert.Error(t, evaluator.Validate("amount >"))
}

// BenchmarkEvaluate benchmarks the performance of Evaluate with caching.
func BenchmarkEvaluate(b *testing.B) {
	evaluator := NewExprEvaluator()
	env := map[string]interface{}{"x": 10}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, _ = evaluator.Evaluate("x > 5", env)
	}
}
