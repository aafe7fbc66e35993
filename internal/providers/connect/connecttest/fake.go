// Package connecttest provides an in-memory provider client for tests.
package connecttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/smallbiznis/connectpay/internal/providers/connect/domain"
)

// Fake records every call. Hook funcs, when set, replace the default
// behaviour of the matching method.
type Fake struct {
	mu sync.Mutex

	Accounts map[string]domain.Account
	Balances map[string]domain.Balance

	CreateAccountFunc       func(req domain.CreateAccountRequest) (domain.Account, error)
	RetrieveAccountFunc     func(id string) (domain.Account, error)
	CreatePaymentFunc       func(req domain.PaymentRequest) (domain.Payment, error)
	CreateTransferFunc      func(req domain.TransferRequest) (domain.Transfer, error)
	CreateInstantPayoutFunc func(req domain.InstantPayoutRequest) (domain.Payout, error)
	RetrieveBalanceFunc     func(id string) (domain.Balance, error)

	AccountRequests  []domain.CreateAccountRequest
	LinkRequests     []domain.AccountLinkRequest
	Payments         []domain.PaymentRequest
	Transfers        []domain.TransferRequest
	InstantPayouts   []domain.InstantPayoutRequest
	RetrieveRequests []string

	seq int
}

func NewFake() *Fake {
	return &Fake{Accounts: map[string]domain.Account{}, Balances: map[string]domain.Balance{}}
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) next(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%d", prefix, f.seq)
}

func (f *Fake) SetAccount(account domain.Account) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Accounts[account.ID] = account
}

func (f *Fake) CreateAccount(ctx context.Context, req domain.CreateAccountRequest) (domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AccountRequests = append(f.AccountRequests, req)
	if f.CreateAccountFunc != nil {
		return f.CreateAccountFunc(req)
	}
	account := domain.Account{ID: f.next("acct"), Country: req.Country, BusinessType: req.BusinessType}
	f.Accounts[account.ID] = account
	return account, nil
}

func (f *Fake) RetrieveAccount(ctx context.Context, providerAccountID string) (domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RetrieveRequests = append(f.RetrieveRequests, providerAccountID)
	if f.RetrieveAccountFunc != nil {
		return f.RetrieveAccountFunc(providerAccountID)
	}
	account, ok := f.Accounts[providerAccountID]
	if !ok {
		return domain.Account{}, fmt.Errorf("no such account %s", providerAccountID)
	}
	return account, nil
}

func (f *Fake) CreateAccountLink(ctx context.Context, req domain.AccountLinkRequest) (domain.AccountLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LinkRequests = append(f.LinkRequests, req)
	return domain.AccountLink{URL: "https://connect.example.com/setup/" + f.next("link")}, nil
}

func (f *Fake) CreatePayment(ctx context.Context, req domain.PaymentRequest) (domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Payments = append(f.Payments, req)
	if f.CreatePaymentFunc != nil {
		return f.CreatePaymentFunc(req)
	}
	id := f.next("pi")
	return domain.Payment{ID: id, ClientSecret: id + "_secret_test", Status: "requires_payment_method"}, nil
}

func (f *Fake) CreateTransfer(ctx context.Context, req domain.TransferRequest) (domain.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Transfers = append(f.Transfers, req)
	if f.CreateTransferFunc != nil {
		return f.CreateTransferFunc(req)
	}
	return domain.Transfer{ID: f.next("tr")}, nil
}

func (f *Fake) CreateInstantPayout(ctx context.Context, req domain.InstantPayoutRequest) (domain.Payout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.InstantPayouts = append(f.InstantPayouts, req)
	if f.CreateInstantPayoutFunc != nil {
		return f.CreateInstantPayoutFunc(req)
	}
	return domain.Payout{ID: f.next("po"), Status: "pending"}, nil
}

func (f *Fake) SetBalance(providerAccountID string, balance domain.Balance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Balances[providerAccountID] = balance
}

// RetrieveBalance returns the balance set for the account, or an empty one.
func (f *Fake) RetrieveBalance(ctx context.Context, providerAccountID string) (domain.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RetrieveBalanceFunc != nil {
		return f.RetrieveBalanceFunc(providerAccountID)
	}
	return f.Balances[providerAccountID], nil
}

// TransferCount is safe to call while other goroutines use the fake.
func (f *Fake) TransferCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Transfers)
}

func (f *Fake) RetrieveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.RetrieveRequests)
}
