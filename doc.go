// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.

/*
Package core is the root of a quantum key distillation pipeline: the
classical post-processing that turns a raw, partially-correlated,
partially-eavesdropped bit stream shared over a quantum channel into a
shorter stream of secret key bits two parties can trust.

# Pipeline

A key passes through a fixed sequence of stages, each exchanging
classical messages with its peer over an authenticated link:

  - sifting   Discard bits measured in mismatched bases (§4.2)
  - confirm   Compare parities of random bit masks to confirm both keys agree (§4.3)
  - amplify   Toeplitz-hash privacy amplification, shrinking the key to remove
              an eavesdropper's information (§4.4)
  - resize    Re-batch keys to a fixed wire size (§4.5)
  - auth      Authenticate the exchange itself against a pre-shared key pool,
              replenishing that pool from spent key material (§4.6)

Every stage implements stage.Stage and is driven by stage.Run, which
reads one key at a time from an endpoint.Source, hands it to the
stage's Process along with its crypto context, and forwards the result
to an endpoint.Sink. pipeline.Pipeline composes several stages into one
run over in-memory endpoint.Pipe links; a production deployment wires
each stage instead to a real endpoint.Peer / ZeroMQ socket pair.

# Supporting packages

  - key        The wire record a single key occupies end to end
  - message    Classical protocol messages stages exchange with their peer
  - cryptoscheme/evhash  The three authentication-tag schemes (null, xor, evhash)
  - keydb      The fixed-quantum key pool the auth stage draws from and refills
  - ntt        Number-theoretic transform backing amplify's Toeplitz convolution
  - randsrc    Pull-based randomness, real or fixed for tests
  - qconfig    Flat string-keyed stage configuration
  - qlog/telemetry  Structured logging and Prometheus metrics

See SPEC_FULL.md for the complete specification this package implements.
*/
package core
