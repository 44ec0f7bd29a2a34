// Package password implements Argon2id password hashing for Tempo.
//
// Hashes are encoded in PHC string format and verified with a
// constant-time comparison. Cost parameters and the length policy are
// env-tunable so deployments can raise costs without code changes.
package password
