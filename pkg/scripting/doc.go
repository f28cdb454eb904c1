// Package scripting runs Starlark scripts for pagepoet.
//
// Evaluator executes a script under a time limit and returns its public
// globals. Evaluator.NewCallback turns a function defined in a script into
// an engine.Callback: the declared parameters are injected like those of any
// Go callback, converted to Starlark values (structs become dicts through
// their JSON encoding), and the function's return value becomes the
// callback's items.
//
//	def parse(response, page):
//	    return {"url": response["url"], "name": page["name"]}
//
// Script output printed with print() is logged at debug level through the
// zerolog logger carried by the context.
package scripting
