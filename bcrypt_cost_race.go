//go:build race

package accounts

import "golang.org/x/crypto/bcrypt"

func passwordHashCost() int {
	// cost 10 under the race detector
	return bcrypt.DefaultCost
}
