package cmd

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var healthHTTP bool

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the replay emulator",
	Long:  `Check the emulator using its gRPC health service, or /healthz with --http.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if healthHTTP {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverAddr+"/healthz", nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("HTTP health check failed: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode == http.StatusOK {
				fmt.Println("✓ Emulator is healthy (HTTP)")
			} else {
				fmt.Printf("✗ Emulator is unhealthy (HTTP %d)\n", resp.StatusCode)
			}
			return nil
		}

		conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer conn.Close()

		resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
		if err != nil {
			fmt.Printf("✗ Emulator is unhealthy: %v\n", err)
			return nil
		}
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			fmt.Printf("✗ Emulator is %s\n", resp.GetStatus())
			return nil
		}
		fmt.Println("✓ Emulator is healthy")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().BoolVar(&healthHTTP, "http", false, "use the HTTP /healthz endpoint instead of gRPC")
}
