package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rerobots/hardshare/pkg/admin"
)

var (
	cameraDevice string
	cameraCrops  string
	cameraWidth  int
	cameraHeight int
	cameraID     string
)

var attachCameraCmd = &cobra.Command{
	Use:   "attach-camera [WDID prefix ...]",
	Short: "Attach a local camera and stream per-WD crops upstream",
	Long: `Attach a local camera device to one or more workspace deployments.

The --crops argument maps full WD ids to crop rectangles, e.g.

  --crops '{"c9f5e4a2-3f1b-4c6e-9d2a-7b8e1f0a5c34": [190,133,442,424],
            "2a78acf1-6d0e-4b93-8f21-5c4d3e2b1a07": [500,500,800,800]}'

Only WDs in the map receive frames; a rectangle of all zeros means the full
frame. Without --crops, each WD named on the command line receives the full
frame. Frames flow only while a WD has a READY instance and the cam add-on.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix := ""
		if len(args) > 0 {
			prefix = args[0]
		}

		crops := cameraCrops
		if crops == "" {
			// Full frame for every named WD.
			store, err := openStore()
			if err != nil {
				return err
			}
			rects := make(map[string][4]int)
			for _, p := range args {
				wd, err := store.FindWD(p)
				if err != nil {
					return exitWith(exitConfig, err)
				}
				rects[wd.ID] = [4]int{}
			}
			data, err := json.Marshal(rects)
			if err != nil {
				return err
			}
			crops = string(data)
		}

		id := cameraID
		if id == "" {
			id = strings.TrimPrefix(cameraDevice, "/dev/")
		}

		c, err := dialAdmin(prefix)
		if err != nil {
			return err
		}
		defer c.Close()

		reply, err := c.Do(admin.Request{
			Command: "attach-camera",
			Args: map[string]string{
				"camera_id": id,
				"device":    cameraDevice,
				"crops":     crops,
				"width":     fmt.Sprintf("%d", cameraWidth),
				"height":    fmt.Sprintf("%d", cameraHeight),
			},
		}, 0)
		if err != nil {
			return exitWith(exitDaemonUnresponsive, err)
		}
		if !reply.OK {
			return fmt.Errorf("%s", reply.Err)
		}
		fmt.Fprintf(os.Stdout, "camera %s attached\n", id)
		return nil
	},
}

var stopCamerasCmd = &cobra.Command{
	Use:   "stop-cameras [WDID prefix]",
	Short: "Stop all camera pipelines",
	Args:  cobra.MaximumNArgs(1),
	RunE:  adminCommand("stop-cameras", nil),
}

func init() {
	attachCameraCmd.Flags().StringVar(&cameraDevice, "device", "/dev/video0", "camera device")
	attachCameraCmd.Flags().StringVar(&cameraCrops, "crops", "", "JSON map of WD id to [x0,y0,x1,y1]")
	attachCameraCmd.Flags().IntVar(&cameraWidth, "width", 0, "capture width (0 = camera default)")
	attachCameraCmd.Flags().IntVar(&cameraHeight, "height", 0, "capture height (0 = camera default)")
	attachCameraCmd.Flags().StringVar(&cameraID, "camera-id", "", "upstream camera id (default derived from device)")

	rootCmd.AddCommand(attachCameraCmd)
	rootCmd.AddCommand(stopCamerasCmd)
}
