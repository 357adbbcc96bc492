// Package hosted implements the identity provider variant for hosted-login
// services: the provider renders its own login page, returns a bearer token
// directly on the callback, and does not guarantee passthrough of an opaque
// state parameter. The gateway therefore embeds its correlation id as a query
// parameter on the callback URL itself.
package hosted
