// Package resolver turns context handle source locators into content.
//
// Handles carry a locator such as "inline:some text" or "file:notes/plan.md"
// and are resolved only when a context pack is assembled. A [Registry] maps
// the locator scheme (the text before the first colon) to a [Resolver].
//
//	reg := resolver.NewRegistry(resolver.WithFileRoot(dir))
//	content, err := reg.Resolve(ctx, "file:notes/plan.md")
//
// Callers that want extra schemes register their own Resolver. The
// registry is safe for concurrent use.
package resolver
