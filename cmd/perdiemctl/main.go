// Perdiem - Legacy travel reimbursement, reproduced.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

// perdiemctl is the offline companion to the perdiem server. It scores trips
// locally against a policy table and model artifacts, evaluates the engine
// against labelled legacy cases and load tests a running server.
//
// Usage:
//
//	# Score one trip with the embedded policy and no models
//	perdiemctl score 3 150 100
//
//	# Evaluate against the published legacy cases
//	perdiemctl evaluate --cases public_cases.json --models ./models
//
//	# Show how cases are routed across regimes
//	perdiemctl routes --cases public_cases.json
//
//	# Validate a policy table before deploying it
//	perdiemctl policy validate policies/2025.07.yaml
//
//	# Load test a running server
//	perdiemctl bench --target http://localhost:8080 --cases public_cases.json
package main

func main() {
	Execute()
}
