// Package restfuncs exposes server-side methods to browsers over plain
// HTTP and over a persistent websocket, sharing one versioned cookie
// session across both transports. Every call is defended by a CSRF
// security engine supporting multiple protection strategies, and methods
// may take function-typed parameters the server can call back into on
// the client, with automatic cleanup once those callbacks become
// unreachable.
//
// Basic use:
//
//	srv, _ := restfuncs.NewServer()
//	_ = srv.RegisterService("shop", &ShopService{}, restfuncs.ServiceOptions{
//		SafeMethods: []string{"listArticles"},
//	})
//	http.ListenAndServe(":3000", srv.Handler())
//
// Service methods follow the shapes accepted by the reflection metadata
// provider; a parameter of func type declares a client callback.
package restfuncs
