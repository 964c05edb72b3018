// Package mcpservice provides the tool router that sessions delegate calls
// to. A Router owns a fixed set of tools registered at startup and answers
// ping, tools/list and tools/call. Everything else is reported as an unknown
// method.
//
// Quick start:
//
//	type GreetArgs struct {
//	    Name string `json:"name" jsonschema:"description=Who to greet"`
//	}
//
//	greet := mcpservice.NewTool[GreetArgs]("greet",
//	    func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[GreetArgs]) error {
//	        return w.AppendText("Hello, " + r.Args().Name + "!")
//	    },
//	    mcpservice.WithToolDescription("Say hello"),
//	)
//
//	router, err := mcpservice.NewRouter([]mcpservice.Tool{greet})
//	if err != nil { log.Fatal(err) }
//	sess := registry.NewSession(router)
//
// Input schemas are reflected from the argument type, and unknown argument
// fields are rejected unless WithToolAllowAdditionalProperties is set.
// Handlers report progress with ToolResponseWriter.Progress. It is a no-op
// unless the client supplied a progress token. ToolResponseWriter.Log sends
// notifications/message events tagged with the call, so both reach the
// client on the call's own stream.
package mcpservice
