package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/rl1809/inventory-ledger/internal/adapter/notifier"
	"github.com/rl1809/inventory-ledger/internal/adapter/storage"
	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/core/service"
)

func main() {
	app := &cli.App{
		Name:  "stress_test",
		Usage: "place concurrent single-item orders against one product and check the ledger",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "stock", Value: 20},
			&cli.IntFlag{Name: "requests", Value: 50},
			&cli.IntFlag{Name: "attempts", Value: 5, Usage: "transaction attempts per order"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("stress test failed")
	}
}

func run(c *cli.Context) error {
	ctx := context.Background()
	initialStock := c.Int("stock")
	totalRequests := c.Int("requests")

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	store := storage.NewMemoryAdapter()
	product, err := store.SeedProduct(ctx, domain.Product{
		SKU: "STRESS-1", Name: "stress item", PriceCents: 1000,
		CurrentStock: initialStock, LowStockThreshold: 5, TrackInventory: true,
	})
	if err != nil {
		return err
	}
	for i := 0; i < totalRequests; i++ {
		user := fmt.Sprintf("user-%d", i)
		cart := domain.Cart{
			ID:     fmt.Sprintf("cart-%d", i),
			UserID: &user,
			Items:  []domain.CartItem{{ProductID: product.ID, Quantity: 1}},
		}
		if err := store.SeedCart(ctx, cart); err != nil {
			return err
		}
	}

	alerts := service.NewAlertMonitor(store, log)
	inventory := service.NewInventoryService(store, alerts, log)
	orders := service.NewOrderService(store, store, inventory, notifier.NewLogNotifier(log), log,
		service.WithOrderMaxAttempts(c.Int("attempts")))

	var success, soldOut, other atomic.Int32
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := orders.PlaceOrder(ctx, domain.PlaceOrderRequest{
				CartID: fmt.Sprintf("cart-%d", i),
				Shipping: domain.ShippingInfo{
					Name: "Load Test", Email: fmt.Sprintf("user-%d@example.com", i), Phone: "555-0100",
					Address: "1 Bench St", City: "Springfield", PostalCode: "12345", Country: "US",
				},
			})
			switch {
			case err == nil:
				success.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				soldOut.Add(1)
			default:
				other.Add(1)
				log.WithError(err).Error("unexpected order failure")
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	report, err := inventory.VerifyLedger(ctx, product.ID)
	if err != nil {
		return err
	}
	alertList, err := inventory.GetStockAlerts(ctx, false)
	if err != nil {
		return err
	}

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Successful:       %d\n", success.Load())
	fmt.Printf("Sold Out:         %d\n", soldOut.Load())
	fmt.Printf("Other Failures:   %d\n", other.Load())
	fmt.Printf("Final Stock:      %d\n", report.CurrentStock)
	fmt.Printf("Movements:        %d\n", report.MovementCount)
	fmt.Printf("Open Alerts:      %d\n", len(alertList))
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	expected := initialStock
	if totalRequests < expected {
		expected = totalRequests
	}
	var failures []string
	if int(success.Load()) != expected {
		failures = append(failures, fmt.Sprintf("expected %d orders, got %d", expected, success.Load()))
	}
	if report.CurrentStock != initialStock-expected {
		failures = append(failures, fmt.Sprintf("expected final stock %d, got %d", initialStock-expected, report.CurrentStock))
	}
	if !report.Consistent {
		failures = append(failures, fmt.Sprintf("ledger broken at seq %d", report.BrokenAtSeq))
	}
	if len(alertList) > 1 {
		failures = append(failures, fmt.Sprintf("expected at most one open alert, got %d", len(alertList)))
	}

	if len(failures) > 0 {
		for _, f := range failures {
			fmt.Println("FAIL:", f)
		}
		return errors.New("stress test assertions failed")
	}
	fmt.Println("PASS: stock never oversold and ledger consistent")
	return nil
}
