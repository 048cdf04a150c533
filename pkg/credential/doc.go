// Package credential resolves the OAuth material a chat request carries into
// a normalized Credential and persists it per user.
//
// Resolution follows a fixed priority chain: explicit fields in the request
// body, then an Authorization bearer token merged with what is stored for the
// user, then (outside production) a development credential loaded from disk.
// Stored credentials live in one JSON file per user named by a short stable
// hash of the user id, so user ids never reach the filesystem.
package credential
