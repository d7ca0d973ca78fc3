// Package channel negotiates and holds the symmetric key shared with the
// desktop app. The key is bootstrapped by an RSA-OAEP key exchange carried in
// the plaintext setupEncryption message; every later message is an EncString.
package channel
