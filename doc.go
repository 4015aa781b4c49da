// Package fusion provides the building blocks for MCP servers that expose
// "fused" tools: a single registered tool whose calls carry a discriminator
// argument selecting one of several actions.
//
// Tools are declared with a fluent builder, compiled once into immutable
// descriptors, and executed through the dispatch package, which routes,
// validates, admission-controls, and bounds every call:
//
//	tool, err := fusion.NewTool("notes").
//	    Description("Manage notes").
//	    Guard(8, 32).
//	    Action("list").
//	        Schema(listSchema).
//	        ReadOnly().
//	        Handle(listNotes).
//	        Done().
//	    Action("delete").
//	        Destructive().
//	        Handle(deleteNote).
//	        Done().
//	    Build()
//
// See the dispatch package for call execution and the server package for
// stdio and HTTP transports.
package fusion
