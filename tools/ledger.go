package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/genai"

	"github.com/room4-2/VoiceLedger/ledger"
)

const (
	CreateTransaction = "create_transaction"
	CategorizeExpense = "categorize_expense"
)

// Recorder stores transactions.
type Recorder interface {
	Create(ctx context.Context, tx ledger.Transaction) (map[string]any, error)
}

// Categorizer classifies an expense description.
type Categorizer interface {
	Categorize(ctx context.Context, description string) (string, error)
}

// CreateTransactionDeclaration returns the function declaration for the model
func CreateTransactionDeclaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        CreateTransaction,
		Description: "Record a spending or income transaction in the user's ledger once amount and category are known.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"amount": {
					Type:        genai.TypeNumber,
					Description: "Positive amount in the user's currency",
				},
				"category": {
					Type: genai.TypeString,
					Enum: ledger.Categories,
				},
				"description": {
					Type:        genai.TypeString,
					Description: "Short note about what the money was for",
				},
				"date": {
					Type:        genai.TypeString,
					Format:      "date",
					Description: "YYYY-MM-DD, defaults to today",
				},
				"type": {
					Type: genai.TypeString,
					Enum: []string{ledger.TypeExpense, ledger.TypeIncome},
				},
			},
			Required: []string{"amount", "category"},
		},
	}
}

// CategorizeExpenseDeclaration returns the function declaration for the model
func CategorizeExpenseDeclaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        CategorizeExpense,
		Description: "Suggest a ledger category for an expense when the user did not name one.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"description": {Type: genai.TypeString},
			},
			Required: []string{"description"},
		},
	}
}

// CreateTransactionHandler records a transaction through rec.
func CreateTransactionHandler(rec Recorder) Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		amount, err := numberArg(args, "amount")
		if err != nil {
			return nil, err
		}
		tx := ledger.Transaction{
			Amount:      amount,
			Category:    stringArg(args, "category"),
			Description: stringArg(args, "description"),
			Date:        stringArg(args, "date"),
			Type:        strings.ToLower(stringArg(args, "type")),
		}
		return rec.Create(ctx, tx)
	}
}

// CategorizeExpenseHandler asks cat for a category.
func CategorizeExpenseHandler(cat Categorizer) Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		description := stringArg(args, "description")
		if description == "" {
			return nil, fmt.Errorf("description is required")
		}
		category, err := cat.Categorize(ctx, description)
		if err != nil {
			return nil, err
		}
		return map[string]any{"category": category}, nil
	}
}

// NewLedgerRegistry registers the bookkeeping tools. cat may be nil.
func NewLedgerRegistry(rec Recorder, cat Categorizer, r *Registry) *Registry {
	r.Register(CreateTransactionDeclaration(), CreateTransactionHandler(rec))
	if cat != nil {
		r.Register(CategorizeExpenseDeclaration(), CategorizeExpenseHandler(cat))
	}
	return r
}

func stringArg(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func numberArg(args map[string]any, key string) (float64, error) {
	switch v := args[key].(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%s is not a number: %q", key, v)
		}
		return f, nil
	case nil:
		return 0, fmt.Errorf("%s is required", key)
	default:
		return 0, fmt.Errorf("%s has unsupported type %T", key, v)
	}
}
