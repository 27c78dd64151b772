/*
Package camera captures frames from a local camera and publishes per-WD
crops to the upstream ingest endpoint.

One capture loop feeds many workspace deployments: each attached WD gets a
rectangle cut from the shared frame, re-encoded as JPEG, and sent as a
CAM_FRAME over a dedicated websocket authenticated with the same bearer
credential as the main transport. Publishing is gated per WD by the
supervisor: only WDs with a READY instance and the cam add-on receive
frames.

The production Capturer shells out to ffmpeg reading the V4L device as an
MJPEG stream at roughly five frames per second, and splits the stream into
frames on JPEG markers. Transient read failures back off and retry a few
times before the pipeline declares the camera down. A failed publish drops
that frame and increments a counter; it is never fatal.
*/
package camera
