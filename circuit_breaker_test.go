package apicall_test

import (
	"context"
	"errors"
	"sync"
	"time"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sony/gobreaker/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	apicall "github.com/JohnPlummer/jp-go-apicall"
)

var _ = Describe("CircuitBreakerWrapper", func() {
	var (
		client *mockClient
		ctx    context.Context
	)

	unavailable := func(_ context.Context, _ testRequest) (testResponse, error) {
		return testResponse{}, status.Error(codes.Unavailable, "down")
	}
	succeed := func(_ context.Context, _ testRequest) (testResponse, error) {
		return testResponse{Value: "success"}, nil
	}

	newBreaker := func(opts ...apicall.CircuitBreakerOption) *apicall.CircuitBreakerWrapper[testRequest, testResponse] {
		return apicall.NewCircuitBreakerWrapper[testRequest, testResponse](client,
			append([]apicall.CircuitBreakerOption{apicall.WithCircuitBreakerLogger(testLogger())}, opts...)...)
	}

	trip := func(wrapper *apicall.CircuitBreakerWrapper[testRequest, testResponse], n int) {
		client.executeFunc = unavailable
		for range n {
			_, _ = wrapper.Execute(ctx, testRequest{ID: "1"})
		}
	}

	BeforeEach(func() {
		client = &mockClient{executeFunc: succeed}
		ctx = context.Background()
	})

	Describe("Default Configuration", func() {
		It("should create wrapper with default settings", func() {
			wrapper := newBreaker()

			Expect(wrapper.State()).To(Equal(apicall.StateClosed))
			Expect(wrapper.Name()).To(Equal("apicall"))
		})

		It("should trip at a 60% failure rate over 3 requests", func() {
			config := apicall.DefaultCircuitBreakerConfig()

			Expect(config.ReadyToTrip(apicall.CircuitBreakerCounts{Requests: 3, TotalFailures: 2})).To(BeTrue())
			Expect(config.ReadyToTrip(apicall.CircuitBreakerCounts{Requests: 3, TotalFailures: 1})).To(BeFalse())
			Expect(config.ReadyToTrip(apicall.CircuitBreakerCounts{Requests: 2, TotalFailures: 2})).To(BeFalse())
		})

		It("should use the standard timings", func() {
			config := apicall.DefaultCircuitBreakerConfig()

			Expect(config.MaxRequests).To(Equal(uint32(3)))
			Expect(config.Interval).To(Equal(10 * time.Second))
			Expect(config.Timeout).To(Equal(30 * time.Second))
		})
	})

	Describe("State Transitions", func() {
		Context("Closed to Open", func() {
			It("should trip after repeated server failures", func() {
				wrapper := newBreaker()

				trip(wrapper, 3)

				Expect(wrapper.State()).To(Equal(apicall.StateOpen))
				Expect(client.getCallCount()).To(Equal(3))
			})

			It("should not trip with less than 3 requests", func() {
				wrapper := newBreaker()

				trip(wrapper, 2)

				Expect(wrapper.State()).To(Equal(apicall.StateClosed))
			})

			It("should not trip on client errors", func() {
				wrapper := newBreaker()
				client.executeFunc = func(_ context.Context, _ testRequest) (testResponse, error) {
					return testResponse{}, status.Error(codes.InvalidArgument, "bad request")
				}

				for range 5 {
					_, err := wrapper.Execute(ctx, testRequest{ID: "1"})
					Expect(status.Code(err)).To(Equal(codes.InvalidArgument))
				}

				Expect(wrapper.State()).To(Equal(apicall.StateClosed))
				Expect(wrapper.Counts().TotalFailures).To(BeZero())
			})

			It("should not count rate limit errors as failures", func() {
				wrapper := newBreaker()
				client.executeFunc = func(_ context.Context, _ testRequest) (testResponse, error) {
					return testResponse{}, jperrors.ErrRateLimited
				}

				for range 5 {
					_, _ = wrapper.Execute(ctx, testRequest{ID: "1"})
				}

				Expect(wrapper.State()).To(Equal(apicall.StateClosed))
			})
		})

		Context("Open to Half-Open to Closed", func() {
			It("should recover after the open timeout", func() {
				wrapper := newBreaker(
					apicall.WithTimeout(50*time.Millisecond),
					apicall.WithMaxRequests(2))

				trip(wrapper, 3)
				Expect(wrapper.State()).To(Equal(apicall.StateOpen))

				Eventually(wrapper.State).WithTimeout(time.Second).Should(Equal(apicall.StateHalfOpen))

				client.executeFunc = succeed
				_, err := wrapper.Execute(ctx, testRequest{ID: "1"})
				Expect(err).NotTo(HaveOccurred())
				Expect(wrapper.State()).To(Equal(apicall.StateHalfOpen))

				_, err = wrapper.Execute(ctx, testRequest{ID: "1"})
				Expect(err).NotTo(HaveOccurred())
				Expect(wrapper.State()).To(Equal(apicall.StateClosed))
			})

			It("should reopen on a failure in half-open state", func() {
				wrapper := newBreaker(apicall.WithTimeout(50 * time.Millisecond))

				trip(wrapper, 3)
				Eventually(wrapper.State).WithTimeout(time.Second).Should(Equal(apicall.StateHalfOpen))

				_, _ = wrapper.Execute(ctx, testRequest{ID: "1"})

				Expect(wrapper.State()).To(Equal(apicall.StateOpen))
			})
		})
	})

	Describe("Error Behavior", func() {
		It("should reject calls while open", func() {
			wrapper := newBreaker(apicall.WithBreakerName("RunQuery"))
			trip(wrapper, 3)

			_, err := wrapper.Execute(ctx, testRequest{ID: "1"})

			Expect(errors.Is(err, gobreaker.ErrOpenState)).To(BeTrue())
			Expect(apicall.IsCircuitBreakerRejection(err)).To(BeTrue())
			Expect(apicall.CodeOf(err)).To(Equal(codes.Unavailable))
			Expect(client.getCallCount()).To(Equal(3))
		})

		It("should reject calls beyond MaxRequests in half-open state", func() {
			wrapper := newBreaker(
				apicall.WithTimeout(50*time.Millisecond),
				apicall.WithMaxRequests(1))
			trip(wrapper, 3)
			Eventually(wrapper.State).WithTimeout(time.Second).Should(Equal(apicall.StateHalfOpen))

			release := make(chan struct{})
			client.executeFunc = func(_ context.Context, _ testRequest) (testResponse, error) {
				<-release
				return testResponse{Value: "success"}, nil
			}

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				_, err := wrapper.Execute(ctx, testRequest{ID: "trial"})
				Expect(err).NotTo(HaveOccurred())
			}()

			Eventually(client.getCallCount).Should(Equal(4))
			_, err := wrapper.Execute(ctx, testRequest{ID: "extra"})
			close(release)
			wg.Wait()

			Expect(errors.Is(err, gobreaker.ErrTooManyRequests)).To(BeTrue())
			Expect(apicall.IsCircuitBreakerRejection(err)).To(BeTrue())
		})

		It("should pass other errors through unchanged", func() {
			wrapper := newBreaker()
			failure := status.Error(codes.Internal, "boom")
			client.executeFunc = func(_ context.Context, _ testRequest) (testResponse, error) {
				return testResponse{}, failure
			}

			_, err := wrapper.Execute(ctx, testRequest{ID: "1"})

			Expect(err).To(BeIdenticalTo(failure))
			Expect(apicall.IsCircuitBreakerRejection(err)).To(BeFalse())
		})
	})

	Describe("Concurrent Requests", func() {
		It("should keep accurate counts", func() {
			wrapper := newBreaker(apicall.WithReadyToTrip(func(apicall.CircuitBreakerCounts) bool {
				return false
			}))

			var wg sync.WaitGroup
			for i := range 50 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if i%2 == 0 {
						_, _ = wrapper.Execute(ctx, testRequest{ID: "ok"})
					}
				}()
			}
			wg.Wait()

			counts := wrapper.Counts()
			Expect(counts.Requests).To(Equal(uint32(25)))
			Expect(counts.TotalSuccesses).To(Equal(uint32(25)))
		})
	})

	Describe("Custom configuration", func() {
		It("should use a custom ReadyToTrip function", func() {
			wrapper := newBreaker(apicall.WithReadyToTrip(func(counts apicall.CircuitBreakerCounts) bool {
				return counts.ConsecutiveFailures >= 5
			}))

			trip(wrapper, 4)
			Expect(wrapper.State()).To(Equal(apicall.StateClosed))

			trip(wrapper, 1)
			Expect(wrapper.State()).To(Equal(apicall.StateOpen))
		})

		It("should use a custom error classifier", func() {
			wrapper := newBreaker(apicall.WithCircuitBreakerErrorClassifier(
				&apicall.CodeClassifier{Trip: apicall.NewCodeSet(codes.NotFound)}))
			client.executeFunc = func(_ context.Context, _ testRequest) (testResponse, error) {
				return testResponse{}, status.Error(codes.NotFound, "missing")
			}

			for range 3 {
				_, _ = wrapper.Execute(ctx, testRequest{ID: "1"})
			}

			Expect(wrapper.State()).To(Equal(apicall.StateOpen))
		})

		It("should call OnStateChange when state changes", func() {
			var (
				mu          sync.Mutex
				transitions []apicall.CircuitBreakerState
				names       []string
			)
			wrapper := newBreaker(
				apicall.WithBreakerName("GetGroup"),
				apicall.WithStateChangeHandler(func(name string, _, to apicall.CircuitBreakerState) {
					mu.Lock()
					defer mu.Unlock()
					names = append(names, name)
					transitions = append(transitions, to)
				}))

			trip(wrapper, 3)

			mu.Lock()
			defer mu.Unlock()
			Expect(transitions).To(Equal([]apicall.CircuitBreakerState{apicall.StateOpen}))
			Expect(names).To(ConsistOf("GetGroup"))
		})
	})

	Describe("State names", func() {
		DescribeTable("String",
			func(state apicall.CircuitBreakerState, want string) {
				Expect(state.String()).To(Equal(want))
			},
			Entry("closed", apicall.StateClosed, "closed"),
			Entry("half-open", apicall.StateHalfOpen, "half-open"),
			Entry("open", apicall.StateOpen, "open"),
			Entry("invalid", apicall.CircuitBreakerState(9), "unknown"),
		)
	})
})
