package domain

import "math"

// DefaultBalance 尚未建立的帳戶讀到的餘額
const DefaultBalance int64 = 0

type Account struct {
	ID      int64
	Balance int64
}

func NewAccount(id int64, balance int64) *Account {
	return &Account{
		ID:      id,
		Balance: balance,
	}
}

// Deposit 存款，餘額不可超過 math.MaxInt64
func (a *Account) Deposit(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if amount > math.MaxInt64-a.Balance {
		return ErrBalanceOverflow
	}
	a.Balance += amount
	return nil
}

// Withdraw 提款，不允許透支
func (a *Account) Withdraw(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if a.Balance < amount {
		return ErrInsufficientFunds
	}
	a.Balance -= amount
	return nil
}
