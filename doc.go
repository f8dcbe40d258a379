// Package accounts manages the credential and token lifecycle of player
// accounts: signup, activation, login, password reset and deletion.
//
// Accounts:
//   - An Account is keyed by its pseudo. Pseudo and email are unique among
//     active accounts, compared case-insensitively. Inactive accounts do not
//     hold either; a new signup purges them.
//   - Passwords are stored as bcrypt hashes only. Login failures look the same
//     whether the pseudo is unknown or the password is wrong.
//
// Tokens:
//   - Activation and reset tokens are single use, bound to a purpose and an
//     owner, and expire. Consumption is atomic, so of two concurrent attempts
//     exactly one wins.
//
// Sessions:
//   - Sessions are HS256 JWTs carried in a cookie. A RevocationList records
//     logout-everywhere marks; sessions issued before a mark are rejected.
//
// Service wires the repositories, mailer, points awarder, activity sink and
// metrics together. HTTPController exposes it as a JSON API on a go-router
// Router, and Janitor removes stale tokens and abandoned accounts on a cron
// schedule.
package accounts
