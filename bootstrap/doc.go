// Package bootstrap assembles the ride service: configuration, store and
// broker connections, the middleware pipeline and the mounted routes.
//
// Usage:
//
//	app, err := bootstrap.New().Build(ctx)
//	if err != nil {
//	    return err
//	}
//	defer app.Shutdown(context.Background())
//
//	// in-process: httptest.NewRecorder() + app.ServeHTTP
//	// or serve:   app.API().Serve(listener)
package bootstrap
